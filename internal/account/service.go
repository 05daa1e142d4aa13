package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/settlement"
)

var (
	// ErrSettlementUnavailable is returned when no deposit address could be generated.
	ErrSettlementUnavailable = errors.New("settlement unavailable")

	// ErrInvalidIdentity rejects an empty identity reference.
	ErrInvalidIdentity = errors.New("identity reference is required")
)

// maxCreateAttempts bounds the compare-and-retry loop on creation races.
const maxCreateAttempts = 3

// Service manages account lifecycle and deposit-address assignment.
type Service struct {
	store   ledger.Store
	gateway settlement.Gateway
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new account service.
func NewService(store ledger.Store, gateway settlement.Gateway, logger *slog.Logger) *Service {
	return &Service{store: store, gateway: gateway, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput identifies the user requesting an account.
type CreateInput struct {
	IdentityRef string
	AuthSubject string
	DisplayName string
}

// Result is an account with its base-currency wallet.
type Result struct {
	Account ledger.Account
	Wallet  ledger.Wallet
	Created bool
}

// GetOrCreate returns the account for the identity, creating it with a fresh
// deposit address and an empty base wallet when it does not exist yet.
func (s *Service) GetOrCreate(ctx context.Context, input CreateInput) (Result, error) {
	identity := strings.ToLower(strings.TrimSpace(input.IdentityRef))
	if identity == "" {
		return Result{}, ErrInvalidIdentity
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		res, err := s.lookup(ctx, identity)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return Result{}, err
		}

		// the address is derived outside the store scope; a losing racer's
		// id and address are discarded and never bound to an account
		accountID := uuid.New()
		addr, err := s.gateway.GenerateDepositAddress(ctx, accountID)
		if err != nil {
			s.logger.Error("deposit address generation failed", slog.String("identity_ref", identity), slog.Any("error", err))
			return Result{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
		}

		res, err = s.create(ctx, accountID, identity, input, addr)
		if errors.Is(err, ledger.ErrConflict) {
			s.logger.Info("account creation lost race, refetching",
				slog.String("identity_ref", identity), slog.String("discarded_address", addr))
			continue
		}
		return res, err
	}
	return s.lookup(ctx, identity)
}

// Get returns an account and its base-currency wallet.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Result, error) {
	var res Result
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.AccountByID(ctx, id)
		if err != nil {
			return err
		}
		w, err := tx.Wallet(ctx, a.ID, ledger.BaseCurrency)
		if err != nil {
			return err
		}
		res = Result{Account: a, Wallet: w}
		return nil
	})
	return res, err
}

func (s *Service) lookup(ctx context.Context, identity string) (Result, error) {
	var res Result
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		a, err := tx.AccountByIdentity(ctx, identity)
		if err != nil {
			return err
		}
		w, err := tx.Wallet(ctx, a.ID, ledger.BaseCurrency)
		if err != nil {
			return fmt.Errorf("base wallet for account %s: %w", a.ID, err)
		}
		res = Result{Account: a, Wallet: w}
		return nil
	})
	return res, err
}

func (s *Service) create(ctx context.Context, id uuid.UUID, identity string, input CreateInput, addr string) (Result, error) {
	now := s.now()
	account := ledger.Account{
		ID:             id,
		IdentityRef:    identity,
		AuthSubject:    strings.TrimSpace(input.AuthSubject),
		DisplayName:    strings.TrimSpace(input.DisplayName),
		DepositAddress: addr,
		CreatedAt:      now,
	}
	wallet := ledger.Wallet{
		ID:        uuid.New(),
		AccountID: account.ID,
		Currency:  ledger.BaseCurrency,
		Balance:   decimal.Zero,
		Held:      decimal.Zero,
		Kind:      ledger.WalletKindCustodial,
		UpdatedAt: now,
	}

	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertAccount(ctx, account); err != nil {
			return err
		}
		return tx.InsertWallet(ctx, wallet)
	})
	if err != nil {
		return Result{}, err
	}

	s.logger.Info("account created",
		slog.String("account_id", account.ID.String()),
		slog.String("deposit_address", addr),
	)
	return Result{Account: account, Wallet: wallet, Created: true}, nil
}
