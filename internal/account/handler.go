package account

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/custody/internal/ledger"
)

// Handler exposes account endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an account HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type userDetailsRequest struct {
	Email   string `json:"email"`
	ClerkID string `json:"clerk_id"`
	Name    string `json:"name"`
}

type accountResponse struct {
	AccountID      string `json:"account_id"`
	Name           string `json:"name"`
	Currency       string `json:"currency"`
	Balance        string `json:"balance"`
	Available      string `json:"available"`
	DepositAddress string `json:"deposit_address"`
}

func toResponse(res Result) accountResponse {
	return accountResponse{
		AccountID:      res.Account.ID.String(),
		Name:           res.Account.DisplayName,
		Currency:       res.Wallet.Currency,
		Balance:        res.Wallet.Balance.String(),
		Available:      res.Wallet.Available().String(),
		DepositAddress: res.Account.DepositAddress,
	}
}

// UserDetails creates the account on first contact and returns it afterwards.
func (h *Handler) UserDetails(c *fiber.Ctx) error {
	var req userDetailsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.GetOrCreate(c.UserContext(), CreateInput{
		IdentityRef: req.Email,
		AuthSubject: req.ClerkID,
		DisplayName: req.Name,
	})
	switch {
	case errors.Is(err, ErrInvalidIdentity):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSettlementUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, "settlement_unavailable")
	case err != nil:
		return err
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(toResponse(res))
}

// Get returns an account with its base wallet.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("accountId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid account id")
	}
	res, err := h.service.Get(c.UserContext(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		return fiber.NewError(http.StatusNotFound, "account not found")
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(res))
}
