package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/custody/internal/migrations"
)

// newPostgresStore connects to TEST_DATABASE_URL and applies the schema.
// Tests are skipped when the variable is unset.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := migrations.Up(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool)
}

func insertAccount(t *testing.T, s Store) Account {
	t.Helper()
	now := time.Now().UTC()
	a := Account{
		ID:             uuid.New(),
		IdentityRef:    uuid.NewString() + "@example.com",
		DepositAddress: "pg-" + uuid.NewString(),
		CreatedAt:      now,
	}
	err := s.WithinTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertAccount(context.Background(), a); err != nil {
			return err
		}
		return tx.InsertWallet(context.Background(), Wallet{
			ID: uuid.New(), AccountID: a.ID, Currency: BaseCurrency,
			Balance: decimal.Zero, Held: decimal.Zero, Kind: WalletKindCustodial, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return a
}

func TestPostgresStore_ConflictsMapToSentinels(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a := insertAccount(t, s)

	dup := a
	dup.ID = uuid.New()
	dup.DepositAddress = "pg-" + uuid.NewString()
	err := s.WithinTx(ctx, func(tx Tx) error { return tx.InsertAccount(ctx, dup) })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a duplicate identity, got %v", err)
	}

	if err := SeedBalance(ctx, s, a.ID, BaseCurrency, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	txn := Transaction{
		AccountID: a.ID, Currency: BaseCurrency, Direction: DirectionDeposit,
		Amount: decimal.NewFromInt(1), ExternalReference: "sig-" + uuid.NewString(), CreatedAt: time.Now().UTC(),
	}
	first := txn
	first.ID = uuid.New()
	if err := s.WithinTx(ctx, func(tx Tx) error { return tx.AppendTransaction(ctx, first) }); err != nil {
		t.Fatalf("append: %v", err)
	}
	second := txn
	second.ID = uuid.New()
	err = s.WithinTx(ctx, func(tx Tx) error { return tx.AppendTransaction(ctx, second) })
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction for a repeated reference, got %v", err)
	}
}

func TestPostgresStore_DecimalsRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a := insertAccount(t, s)
	amount := decimal.RequireFromString("123456789.000000001")

	if err := SeedBalance(ctx, s, a.ID, BaseCurrency, amount); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var got Wallet
	err := s.WithinTx(ctx, func(tx Tx) error {
		var err error
		got, err = tx.Wallet(ctx, a.ID, BaseCurrency)
		return err
	})
	if err != nil {
		t.Fatalf("read wallet: %v", err)
	}
	if !got.Balance.Equal(amount) || !got.Held.IsZero() {
		t.Fatalf("expected balance %s held 0, got %s held %s", amount, got.Balance, got.Held)
	}

	txns, err := s.Transactions(ctx, a.ID, BaseCurrency)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txns) != 1 || !txns[0].Amount.Equal(amount) {
		t.Fatalf("expected one seed transaction of %s, got %+v", amount, txns)
	}
}

func TestPostgresStore_LockWalletSerialisesUpdates(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a := insertAccount(t, s)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithinTx(ctx, func(tx Tx) error {
				w, err := tx.LockWallet(ctx, a.ID, BaseCurrency)
				if err != nil {
					return err
				}
				w.Balance = w.Balance.Add(decimal.NewFromInt(1))
				w.UpdatedAt = time.Now().UTC()
				return tx.UpdateWallet(ctx, w)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	var w Wallet
	_ = s.WithinTx(ctx, func(tx Tx) error {
		var err error
		w, err = tx.Wallet(ctx, a.ID, BaseCurrency)
		return err
	})
	if !w.Balance.Equal(decimal.NewFromInt(workers)) {
		t.Fatalf("expected balance %d after locked increments, got %s", workers, w.Balance)
	}
}

func TestPostgresStore_RejectsHeldAboveBalance(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a := insertAccount(t, s)

	err := s.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, a.ID, BaseCurrency)
		if err != nil {
			return err
		}
		w.Held = decimal.NewFromInt(1)
		return tx.UpdateWallet(ctx, w)
	})
	if err == nil {
		t.Fatalf("expected the schema to refuse held above balance")
	}
}

func TestPostgresStore_UnresolvedWithdrawals(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a := insertAccount(t, s)
	attempted := time.Now().UTC().Add(-time.Hour)

	w := Withdrawal{
		ID: uuid.New(), AccountID: a.ID, Currency: BaseCurrency, Amount: decimal.RequireFromString("0.5"),
		Destination: "dest", Status: WithdrawalPending, AttemptedAt: attempted,
	}
	w.IdempotencyKey = w.ID.String()
	if err := s.WithinTx(ctx, func(tx Tx) error { return tx.InsertWithdrawal(ctx, w) }); err != nil {
		t.Fatalf("insert withdrawal: %v", err)
	}

	pending, err := s.UnresolvedWithdrawals(ctx, time.Now().UTC(), 1000)
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	found := false
	for _, p := range pending {
		if p.ID == w.ID {
			found = p.Amount.Equal(w.Amount)
		}
	}
	if !found {
		t.Fatalf("expected withdrawal %s among unresolved", w.ID)
	}

	resolved := time.Now().UTC()
	err = s.WithinTx(ctx, func(tx Tx) error {
		locked, err := tx.LockWithdrawal(ctx, w.ID)
		if err != nil {
			return err
		}
		locked.Status = WithdrawalFailed
		locked.FailureReason = "rejected"
		locked.ResolvedAt = &resolved
		return tx.UpdateWithdrawal(ctx, locked)
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.Withdrawal(ctx, w.ID)
	if err != nil || got.Status != WithdrawalFailed || got.ResolvedAt == nil {
		t.Fatalf("expected failed withdrawal with resolution time, got %+v (%v)", got, err)
	}
}
