package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/custody/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, *int) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	app := fiber.New()
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	calls := 0
	app.Post("/resource", func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "call": calls})
	})
	app.Post("/other", func(c *fiber.Ctx) error {
		calls++
		return c.SendStatus(fiber.StatusOK)
	})
	app.Post("/broken", func(c *fiber.Ctx) error {
		calls++
		return fiber.NewError(fiber.StatusBadGateway, "upstream")
	})
	return app, &calls
}

func send(t *testing.T, app *fiber.App, path, body, key string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(raw)
}

func TestIdempotencyPassesThroughWithoutHeader(t *testing.T) {
	app, calls := setupTestApp(t)

	for i := 0; i < 2; i++ {
		resp, _ := send(t, app, "/resource", "{}", "")
		if resp.StatusCode != fiber.StatusCreated {
			t.Fatalf("expected %d got %d", fiber.StatusCreated, resp.StatusCode)
		}
	}
	if *calls != 2 {
		t.Fatalf("expected handler to run for each request, got %d", *calls)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls := setupTestApp(t)

	resp, first := send(t, app, "/resource", "{}", "abc123")
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, resp.StatusCode)
	}
	if resp.Header.Get(idempotencyReplayHeader) != "" {
		t.Fatalf("first response must not be marked as replay")
	}

	resp, second := send(t, app, "/resource", "{}", "abc123")
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, resp.StatusCode)
	}
	if second != first {
		t.Fatalf("expected cached payload %s got %s", first, second)
	}
	if resp.Header.Get(idempotencyReplayHeader) != "true" {
		t.Fatalf("expected replay header")
	}
	if *calls != 1 {
		t.Fatalf("expected handler to run once, got %d", *calls)
	}
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	app, calls := setupTestApp(t)

	send(t, app, "/resource", `{"amount":"1"}`, "k1")
	resp, _ := send(t, app, "/resource", `{"amount":"2"}`, "k1")
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected %d got %d", fiber.StatusUnprocessableEntity, resp.StatusCode)
	}
	if *calls != 1 {
		t.Fatalf("expected handler to run once, got %d", *calls)
	}
}

func TestIdempotencyKeysAreScopedPerRoute(t *testing.T) {
	app, calls := setupTestApp(t)

	send(t, app, "/resource", "{}", "shared")
	resp, _ := send(t, app, "/other", "{}", "shared")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected %d got %d", fiber.StatusOK, resp.StatusCode)
	}
	if *calls != 2 {
		t.Fatalf("expected both routes to run, got %d", *calls)
	}
}

func TestIdempotencyReleasesKeyOnHandlerError(t *testing.T) {
	app, calls := setupTestApp(t)

	for i := 0; i < 2; i++ {
		resp, _ := send(t, app, "/broken", "{}", "retry-me")
		if resp.StatusCode != fiber.StatusBadGateway {
			t.Fatalf("expected %d got %d", fiber.StatusBadGateway, resp.StatusCode)
		}
	}
	if *calls != 2 {
		t.Fatalf("expected failed request to be retryable, got %d calls", *calls)
	}
}
