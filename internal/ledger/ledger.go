package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound occurs when an account or withdrawal does not exist.
	ErrNotFound = errors.New("not found")

	// ErrWalletNotFound indicates there is no wallet row for an (account, currency) pair.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrConflict is returned when an insert loses a uniqueness race, e.g. two
	// concurrent account creations for the same identity reference.
	ErrConflict = errors.New("concurrency conflict")

	// ErrDuplicateTransaction indicates the external reference was already
	// recorded for the account, currency and direction.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInsufficientBalance occurs when available funds cannot cover a withdrawal.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount rejects non-positive amounts or amounts finer than the currency precision.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnsupportedCurrency rejects currency codes missing from the registry.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

const (
	// BaseCurrency is provisioned for every account at creation.
	BaseCurrency = "SOL"

	// WalletKindCustodial marks wallets funded through a generated deposit address.
	WalletKindCustodial = "custodial"
	// WalletKindExternal marks wallets funded from an externally owned address.
	WalletKindExternal = "external"

	DirectionDeposit    = "deposit"
	DirectionWithdrawal = "withdrawal"

	WithdrawalPending   = "pending"
	WithdrawalAmbiguous = "ambiguous"
	WithdrawalSettled   = "settled"
	WithdrawalFailed    = "failed"
)

// currencyDecimals lists supported currencies and their smallest unit.
var currencyDecimals = map[string]int32{
	"SOL": 9,
}

// NormalizeCurrency upper-cases the code and checks it against the registry.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := currencyDecimals[code]; !ok {
		return "", ErrUnsupportedCurrency
	}
	return code, nil
}

// ValidateAmount requires a positive amount that fits the currency precision.
func ValidateAmount(currency string, amount decimal.Decimal) error {
	decimals, ok := currencyDecimals[currency]
	if !ok {
		return ErrUnsupportedCurrency
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(decimals)) {
		return ErrInvalidAmount
	}
	return nil
}

// Account is a user identity with its immutable custodial deposit address.
type Account struct {
	ID             uuid.UUID
	IdentityRef    string
	AuthSubject    string
	DisplayName    string
	DepositAddress string
	CreatedAt      time.Time
}

// Wallet is the balance of one account in one currency. Held tracks funds
// reserved by in-flight withdrawals; they still count toward Balance until
// the transfer is recorded.
type Wallet struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Currency  string
	Balance   decimal.Decimal
	Held      decimal.Decimal
	Kind      string
	UpdatedAt time.Time
}

// Available returns the spendable part of the balance.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Held)
}

// Transaction is an append-only ledger record. Amount is signed: deposits are
// positive and withdrawals negative, so the sum per wallet equals its balance.
type Transaction struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	Currency          string
	Direction         string
	Amount            decimal.Decimal
	ExternalReference string
	CreatedAt         time.Time
}

// Withdrawal is the durable intent written before the settlement network is
// called. Unresolved rows (pending, ambiguous) are picked up by reconciliation.
type Withdrawal struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	Currency          string
	Amount            decimal.Decimal
	Destination       string
	IdempotencyKey    string
	Status            string
	ExternalReference string
	FailureReason     string
	AttemptedAt       time.Time
	ResolvedAt        *time.Time
}

// Unresolved reports whether the withdrawal outcome still has to be decided.
func (w Withdrawal) Unresolved() bool {
	return w.Status == WithdrawalPending || w.Status == WithdrawalAmbiguous
}

// Tx is a transactional scope. Everything written through it commits or rolls back together.
type Tx interface {
	AccountByIdentity(ctx context.Context, identityRef string) (Account, error)
	AccountByID(ctx context.Context, id uuid.UUID) (Account, error)
	InsertAccount(ctx context.Context, account Account) error
	InsertWallet(ctx context.Context, wallet Wallet) error
	Wallet(ctx context.Context, accountID uuid.UUID, currency string) (Wallet, error)
	// LockWallet reads the wallet holding an exclusive row lock until the scope ends.
	LockWallet(ctx context.Context, accountID uuid.UUID, currency string) (Wallet, error)
	UpdateWallet(ctx context.Context, wallet Wallet) error
	AppendTransaction(ctx context.Context, txn Transaction) error
	TransactionByReference(ctx context.Context, accountID uuid.UUID, currency, direction, reference string) (Transaction, error)
	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	LockWithdrawal(ctx context.Context, id uuid.UUID) (Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w Withdrawal) error
}

// Store defines the contract implemented by ledger backends (e.g. Postgres).
type Store interface {
	// WithinTx runs fn in a single atomic scope; a returned error rolls back all writes.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Transactions(ctx context.Context, accountID uuid.UUID, currency string) ([]Transaction, error)
	Withdrawal(ctx context.Context, id uuid.UUID) (Withdrawal, error)
	UnresolvedWithdrawals(ctx context.Context, attemptedBefore time.Time, limit int) ([]Withdrawal, error)
}
