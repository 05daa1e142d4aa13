package funding

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
	"github.com/congo-pay/custody/internal/notification"
	"github.com/congo-pay/custody/internal/settlement"
)

var (
	// ErrSettlementTransferFailed means the network refused the transfer; the hold was released.
	ErrSettlementTransferFailed = errors.New("settlement transfer failed")

	// ErrSettlementAmbiguous means the transfer outcome is unknown and left to reconciliation.
	ErrSettlementAmbiguous = errors.New("settlement outcome ambiguous")

	// ErrMissingReference rejects deposits without an external reference.
	ErrMissingReference = errors.New("external reference is required")

	// ErrMissingDestination rejects withdrawals without a destination address.
	ErrMissingDestination = errors.New("destination address is required")

	// ErrInconsistentState flags a violated ledger invariant. It is an internal fault.
	ErrInconsistentState = errors.New("ledger state inconsistent")
)

const defaultSettlementTimeout = 30 * time.Second

// Service processes deposits and withdrawals against the ledger store and
// the settlement gateway.
type Service struct {
	store         ledger.Store
	gateway       settlement.Gateway
	notifier      notification.Notifier
	metrics       *Metrics
	logger        *slog.Logger
	settleTimeout time.Duration
	now           func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithNotifier sends ledger events after each commit.
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records outcomes on the given collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSettlementTimeout bounds a single gateway transfer call.
func WithSettlementTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.settleTimeout = d
		}
	}
}

// NewService builds a transaction processor.
func NewService(store ledger.Store, gateway settlement.Gateway, logger *slog.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("settlement gateway is required")
	}
	s := &Service{
		store:         store,
		gateway:       gateway,
		logger:        logger,
		settleTimeout: defaultSettlementTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DepositInput describes funds received on the settlement network for an account.
type DepositInput struct {
	AccountID         uuid.UUID
	Currency          string
	Amount            decimal.Decimal
	ExternalReference string
}

// DepositResult is the wallet after the deposit. Duplicate is set when the
// reference had already been credited and nothing changed.
type DepositResult struct {
	Wallet      ledger.Wallet
	Transaction ledger.Transaction
	Duplicate   bool
}

// Deposit credits the wallet exactly once per external reference.
func (s *Service) Deposit(ctx context.Context, input DepositInput) (DepositResult, error) {
	currency, err := ledger.NormalizeCurrency(input.Currency)
	if err != nil {
		return DepositResult{}, err
	}
	if err := ledger.ValidateAmount(currency, input.Amount); err != nil {
		return DepositResult{}, err
	}
	ref := strings.TrimSpace(input.ExternalReference)
	if ref == "" {
		return DepositResult{}, ErrMissingReference
	}

	var res DepositResult
	err = s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := s.lockWallet(ctx, tx, input.AccountID, currency)
		if err != nil {
			return err
		}

		existing, err := tx.TransactionByReference(ctx, input.AccountID, currency, ledger.DirectionDeposit, ref)
		if err == nil {
			res = DepositResult{Wallet: w, Transaction: existing, Duplicate: true}
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		now := s.now()
		w.Balance = w.Balance.Add(input.Amount)
		w.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		txn := ledger.Transaction{
			ID:                uuid.New(),
			AccountID:         input.AccountID,
			Currency:          currency,
			Direction:         ledger.DirectionDeposit,
			Amount:            input.Amount,
			ExternalReference: ref,
			CreatedAt:         now,
		}
		if err := tx.AppendTransaction(ctx, txn); err != nil {
			return err
		}
		res = DepositResult{Wallet: w, Transaction: txn}
		return nil
	})
	if err != nil {
		s.metrics.deposit(currency, "error")
		return DepositResult{}, err
	}

	if res.Duplicate {
		s.metrics.deposit(currency, "duplicate")
		s.logger.Info("duplicate deposit ignored",
			slog.String("account_id", input.AccountID.String()),
			slog.String("external_reference", ref),
		)
		return res, nil
	}

	s.metrics.deposit(currency, "credited")
	s.notify(ctx, notification.Message{
		Kind:       notification.KindDepositCredited,
		AccountID:  input.AccountID.String(),
		Currency:   currency,
		Amount:     input.Amount.String(),
		Balance:    res.Wallet.Balance.String(),
		Reference:  ref,
		OccurredAt: res.Transaction.CreatedAt,
	})
	return res, nil
}

// WithdrawInput describes an outbound transfer requested by an account.
type WithdrawInput struct {
	AccountID   uuid.UUID
	Currency    string
	Amount      decimal.Decimal
	Destination string
}

// WithdrawResult carries the wallet and the withdrawal intent. It is also
// populated alongside ErrSettlementTransferFailed and ErrSettlementAmbiguous.
type WithdrawResult struct {
	Wallet     ledger.Wallet
	Withdrawal ledger.Withdrawal
}

// Withdraw reserves funds, calls the settlement network once and records the
// outcome. Funds stay held until the transfer is settled or known absent.
func (s *Service) Withdraw(ctx context.Context, input WithdrawInput) (WithdrawResult, error) {
	currency, err := ledger.NormalizeCurrency(input.Currency)
	if err != nil {
		return WithdrawResult{}, err
	}
	if err := ledger.ValidateAmount(currency, input.Amount); err != nil {
		return WithdrawResult{}, err
	}
	dest := strings.TrimSpace(input.Destination)
	if dest == "" {
		return WithdrawResult{}, ErrMissingDestination
	}

	wd, err := s.reserve(ctx, input.AccountID, currency, input.Amount, dest)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			s.metrics.withdrawal(currency, "insufficient_balance")
		} else {
			s.metrics.withdrawal(currency, "error")
		}
		return WithdrawResult{}, err
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	started := time.Now()
	ref, err := s.gateway.Transfer(settleCtx, settlement.TransferRequest{
		Destination:    wd.Destination,
		Currency:       wd.Currency,
		Amount:         wd.Amount,
		IdempotencyKey: wd.IdempotencyKey,
	})
	cancel()

	// once the transfer was attempted, recording outlives request cancellation
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		s.metrics.transfer("settled", started)
		w, settled, recErr := s.recordSettled(persistCtx, wd.ID, ref)
		if recErr != nil {
			s.logger.Error("withdrawal settled but not recorded, left for reconciliation",
				slog.String("withdrawal_id", wd.ID.String()),
				slog.String("account_id", wd.AccountID.String()),
				slog.String("amount", wd.Amount.String()),
				slog.String("destination", wd.Destination),
				slog.String("external_reference", ref),
				slog.Any("error", recErr),
			)
			s.metrics.withdrawal(currency, "unrecorded")
			return WithdrawResult{Withdrawal: wd}, fmt.Errorf("%w: record withdrawal %s: %v", ErrSettlementAmbiguous, wd.ID, recErr)
		}
		s.metrics.withdrawal(currency, "settled")
		return WithdrawResult{Wallet: w, Withdrawal: settled}, nil

	case settlement.IsRejected(err):
		s.metrics.transfer("rejected", started)
		w, failed, relErr := s.release(persistCtx, wd.ID, err.Error())
		if relErr != nil {
			s.logger.Error("release of rejected withdrawal failed",
				slog.String("withdrawal_id", wd.ID.String()), slog.Any("error", relErr))
			return WithdrawResult{Withdrawal: wd}, fmt.Errorf("release withdrawal %s: %w", wd.ID, relErr)
		}
		s.metrics.withdrawal(currency, "failed")
		return WithdrawResult{Wallet: w, Withdrawal: failed}, fmt.Errorf("%w: %v", ErrSettlementTransferFailed, err)

	default:
		s.metrics.transfer("unknown", started)
		w, ambiguous, markErr := s.markAmbiguous(persistCtx, wd.ID)
		s.logger.Warn("withdrawal outcome ambiguous",
			slog.String("withdrawal_id", wd.ID.String()),
			slog.String("account_id", wd.AccountID.String()),
			slog.String("currency", wd.Currency),
			slog.String("amount", wd.Amount.String()),
			slog.String("destination", wd.Destination),
			slog.Time("attempted_at", wd.AttemptedAt),
			slog.Any("error", err),
		)
		if markErr != nil {
			// the intent stays pending, which reconciliation also picks up
			s.logger.Error("marking withdrawal ambiguous failed",
				slog.String("withdrawal_id", wd.ID.String()), slog.Any("error", markErr))
			ambiguous = wd
		}
		s.metrics.withdrawal(currency, "ambiguous")
		s.notify(persistCtx, withdrawalMessage(notification.KindWithdrawalAmbiguous, ambiguous, w))
		return WithdrawResult{Wallet: w, Withdrawal: ambiguous}, fmt.Errorf("%w: %v", ErrSettlementAmbiguous, err)
	}
}

// Withdrawal returns a withdrawal intent by id.
func (s *Service) Withdrawal(ctx context.Context, id uuid.UUID) (ledger.Withdrawal, error) {
	return s.store.Withdrawal(ctx, id)
}

// reserve locks the wallet, checks available funds, places a hold and writes
// the pending withdrawal intent in one scope.
func (s *Service) reserve(ctx context.Context, accountID uuid.UUID, currency string, amount decimal.Decimal, dest string) (ledger.Withdrawal, error) {
	var wd ledger.Withdrawal
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := s.lockWallet(ctx, tx, accountID, currency)
		if err != nil {
			return err
		}
		if w.Available().LessThan(amount) {
			return ledger.ErrInsufficientBalance
		}

		now := s.now()
		w.Held = w.Held.Add(amount)
		w.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}

		id := uuid.New()
		wd = ledger.Withdrawal{
			ID:             id,
			AccountID:      accountID,
			Currency:       currency,
			Amount:         amount,
			Destination:    dest,
			IdempotencyKey: id.String(),
			Status:         ledger.WithdrawalPending,
			AttemptedAt:    now,
		}
		return tx.InsertWithdrawal(ctx, wd)
	})
	return wd, err
}

// recordSettled applies a settled transfer: the balance and the hold drop by
// the amount and the withdrawal record is appended. Recording an already
// settled withdrawal is a no-op.
func (s *Service) recordSettled(ctx context.Context, id uuid.UUID, ref string) (ledger.Wallet, ledger.Withdrawal, error) {
	var (
		w         ledger.Wallet
		wd        ledger.Withdrawal
		newlyDone bool
	)
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		var err error
		if wd, err = tx.LockWithdrawal(ctx, id); err != nil {
			return err
		}
		if w, err = tx.LockWallet(ctx, wd.AccountID, wd.Currency); err != nil {
			return err
		}
		switch wd.Status {
		case ledger.WithdrawalSettled:
			return nil
		case ledger.WithdrawalFailed:
			return fmt.Errorf("%w: withdrawal %s already released", ErrInconsistentState, id)
		}

		now := s.now()
		w.Balance = w.Balance.Sub(wd.Amount)
		w.Held = w.Held.Sub(wd.Amount)
		if w.Balance.IsNegative() || w.Held.IsNegative() {
			return fmt.Errorf("%w: wallet %s balance %s held %s", ErrInconsistentState, w.ID, w.Balance, w.Held)
		}
		w.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, ledger.Transaction{
			ID:                uuid.New(),
			AccountID:         wd.AccountID,
			Currency:          wd.Currency,
			Direction:         ledger.DirectionWithdrawal,
			Amount:            wd.Amount.Neg(),
			ExternalReference: ref,
			CreatedAt:         now,
		}); err != nil {
			return err
		}

		wd.Status = ledger.WithdrawalSettled
		wd.ExternalReference = ref
		wd.ResolvedAt = &now
		newlyDone = true
		return tx.UpdateWithdrawal(ctx, wd)
	})
	if err != nil {
		return ledger.Wallet{}, ledger.Withdrawal{}, err
	}
	if newlyDone {
		s.notify(ctx, withdrawalMessage(notification.KindWithdrawalSettled, wd, w))
	}
	return w, wd, nil
}

// release returns held funds of a withdrawal that never left custody.
func (s *Service) release(ctx context.Context, id uuid.UUID, reason string) (ledger.Wallet, ledger.Withdrawal, error) {
	var (
		w         ledger.Wallet
		wd        ledger.Withdrawal
		newlyDone bool
	)
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		var err error
		if wd, err = tx.LockWithdrawal(ctx, id); err != nil {
			return err
		}
		if w, err = tx.LockWallet(ctx, wd.AccountID, wd.Currency); err != nil {
			return err
		}
		if !wd.Unresolved() {
			return nil
		}

		now := s.now()
		w.Held = w.Held.Sub(wd.Amount)
		if w.Held.IsNegative() {
			return fmt.Errorf("%w: wallet %s held %s", ErrInconsistentState, w.ID, w.Held)
		}
		w.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		wd.Status = ledger.WithdrawalFailed
		wd.FailureReason = reason
		wd.ResolvedAt = &now
		newlyDone = true
		return tx.UpdateWithdrawal(ctx, wd)
	})
	if err != nil {
		return ledger.Wallet{}, ledger.Withdrawal{}, err
	}
	if newlyDone {
		s.notify(ctx, withdrawalMessage(notification.KindWithdrawalFailed, wd, w))
	}
	return w, wd, nil
}

func (s *Service) markAmbiguous(ctx context.Context, id uuid.UUID) (ledger.Wallet, ledger.Withdrawal, error) {
	var (
		w  ledger.Wallet
		wd ledger.Withdrawal
	)
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		var err error
		if wd, err = tx.LockWithdrawal(ctx, id); err != nil {
			return err
		}
		if w, err = tx.Wallet(ctx, wd.AccountID, wd.Currency); err != nil {
			return err
		}
		if wd.Status != ledger.WithdrawalPending {
			return nil
		}
		wd.Status = ledger.WithdrawalAmbiguous
		return tx.UpdateWithdrawal(ctx, wd)
	})
	return w, wd, err
}

// lockWallet maps a missing wallet to ErrNotFound when the account itself is
// unknown; a missing wallet on an existing account is an internal fault.
func (s *Service) lockWallet(ctx context.Context, tx ledger.Tx, accountID uuid.UUID, currency string) (ledger.Wallet, error) {
	w, err := tx.LockWallet(ctx, accountID, currency)
	if !errors.Is(err, ledger.ErrWalletNotFound) {
		return w, err
	}
	if _, accErr := tx.AccountByID(ctx, accountID); errors.Is(accErr, ledger.ErrNotFound) {
		return ledger.Wallet{}, ledger.ErrNotFound
	}
	if currency != ledger.BaseCurrency {
		return ledger.Wallet{}, err
	}
	s.logger.Error("base wallet missing for existing account", slog.String("account_id", accountID.String()))
	return ledger.Wallet{}, fmt.Errorf("%w: %w", ErrInconsistentState, err)
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("ledger event not delivered", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}

func withdrawalMessage(kind string, wd ledger.Withdrawal, w ledger.Wallet) notification.Message {
	msg := notification.Message{
		Kind:         kind,
		AccountID:    wd.AccountID.String(),
		Currency:     wd.Currency,
		Amount:       wd.Amount.String(),
		Reference:    wd.ExternalReference,
		WithdrawalID: wd.ID.String(),
		Destination:  wd.Destination,
		Reason:       wd.FailureReason,
		OccurredAt:   wd.AttemptedAt,
	}
	if w.ID != uuid.Nil {
		msg.Balance = w.Balance.String()
	}
	if wd.ResolvedAt != nil {
		msg.OccurredAt = *wd.ResolvedAt
	}
	return msg
}
