package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Fault selects how the next Transfer call on a MemoryGateway misbehaves.
type Fault int

const (
	FaultNone Fault = iota
	// FaultReject refuses the transfer cleanly.
	FaultReject
	// FaultTimeoutBeforeSend loses the request before it reaches the network.
	FaultTimeoutBeforeSend
	// FaultTimeoutAfterSend executes the transfer but loses the response.
	FaultTimeoutAfterSend
)

// Transfer is an outbound transfer executed by the MemoryGateway.
type Transfer struct {
	Reference string
	TransferRequest
}

// MemoryGateway simulates a settlement network in process. Transfers are
// keyed by idempotency key, so a repeated key never moves funds twice.
type MemoryGateway struct {
	mu             sync.Mutex
	issued         map[string]struct{}
	transfers      map[string]Transfer
	order          []string
	faults         []Fault
	addressErr     error
	lookupsPending bool
}

// NewMemoryGateway builds an in-memory gateway for tests and local development.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		issued:    make(map[string]struct{}),
		transfers: make(map[string]Transfer),
	}
}

// FailNext queues faults consumed by subsequent Transfer calls in order.
func (g *MemoryGateway) FailNext(faults ...Fault) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults = append(g.faults, faults...)
}

// FailAddresses makes GenerateDepositAddress return err until reset with nil.
func (g *MemoryGateway) FailAddresses(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addressErr = err
}

// HoldLookups makes LookupTransfer answer StateUnknown for keys it has not seen.
func (g *MemoryGateway) HoldLookups(hold bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookupsPending = hold
}

// GenerateDepositAddress derives the account's address from its id.
func (g *MemoryGateway) GenerateDepositAddress(ctx context.Context, accountID uuid.UUID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addressErr != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressUnavailable, g.addressErr)
	}
	if accountID == uuid.Nil {
		return "", fmt.Errorf("%w: account id is required", ErrAddressUnavailable)
	}
	addr := "mem" + strings.ReplaceAll(accountID.String(), "-", "")
	g.issued[addr] = struct{}{}
	return addr, nil
}

// Transfer records the transfer under its idempotency key.
func (g *MemoryGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	fault := FaultNone
	if len(g.faults) > 0 {
		fault = g.faults[0]
		g.faults = g.faults[1:]
	}

	switch fault {
	case FaultReject:
		return "", fmt.Errorf("%w: simulated rejection", ErrTransferRejected)
	case FaultTimeoutBeforeSend:
		return "", fmt.Errorf("%w: %v", ErrOutcomeUnknown, context.DeadlineExceeded)
	}

	t, exists := g.transfers[req.IdempotencyKey]
	if !exists {
		t = Transfer{Reference: "memtx-" + uuid.NewString(), TransferRequest: req}
		g.transfers[req.IdempotencyKey] = t
		g.order = append(g.order, req.IdempotencyKey)
	}
	if fault == FaultTimeoutAfterSend {
		return "", fmt.Errorf("%w: %v", ErrOutcomeUnknown, context.DeadlineExceeded)
	}
	return t.Reference, nil
}

// LookupTransfer reports a recorded transfer as settled and anything else as absent.
func (g *MemoryGateway) LookupTransfer(ctx context.Context, q TransferQuery) (TransferStatus, error) {
	if err := ctx.Err(); err != nil {
		return TransferStatus{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.transfers[q.IdempotencyKey]; ok {
		return TransferStatus{State: StateSettled, Reference: t.Reference}, nil
	}
	if g.lookupsPending {
		return TransferStatus{State: StateUnknown}, nil
	}
	return TransferStatus{State: StateAbsent}, nil
}

// Transfers returns executed transfers in execution order.
func (g *MemoryGateway) Transfers() []Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Transfer, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, g.transfers[key])
	}
	return out
}
