package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrTransferRejected marks a transfer that failed cleanly: the network
	// refused it and nothing left custody.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrOutcomeUnknown marks a transfer whose result could not be observed,
	// e.g. the confirmation wait timed out after submission.
	ErrOutcomeUnknown = errors.New("transfer outcome unknown")

	// ErrAddressUnavailable is returned when a deposit address cannot be generated.
	ErrAddressUnavailable = errors.New("deposit address unavailable")
)

// Gateway connects to the external settlement network. It never holds ledger
// state; balances are owned by the ledger store.
type Gateway interface {
	// GenerateDepositAddress returns the deposit address bound to the account.
	// The address is derived from the account id, so the system can always
	// re-derive it; distinct accounts receive distinct addresses.
	GenerateDepositAddress(ctx context.Context, accountID uuid.UUID) (string, error)
	// Transfer moves funds out of custody and returns the network reference.
	// Errors wrapping ErrTransferRejected guarantee nothing was moved; any
	// other error leaves the outcome unknown.
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	// LookupTransfer reports whether a transfer with the idempotency key exists.
	LookupTransfer(ctx context.Context, q TransferQuery) (TransferStatus, error)
}

// TransferRequest describes an outbound transfer from custodial holdings.
type TransferRequest struct {
	Destination    string
	Currency       string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// TransferQuery identifies a previously attempted transfer.
type TransferQuery struct {
	IdempotencyKey string
	Destination    string
	Amount         decimal.Decimal
	AttemptedAt    time.Time
}

const (
	// StateSettled means the transfer landed; Reference is set.
	StateSettled = "settled"
	// StateAbsent means no transfer exists and none can land any more.
	StateAbsent = "absent"
	// StateUnknown means the network cannot tell yet.
	StateUnknown = "unknown"
)

// TransferStatus is the answer to LookupTransfer.
type TransferStatus struct {
	State     string
	Reference string
}

// IsRejected reports whether err is a clean transfer failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrTransferRejected)
}
