package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type walletKey struct {
	accountID uuid.UUID
	currency  string
}

type referenceKey struct {
	accountID uuid.UUID
	currency  string
	direction string
	reference string
}

type inMemoryStore struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]Account
	byIdentity   map[string]uuid.UUID
	byAddress    map[string]uuid.UUID
	wallets      map[walletKey]Wallet
	transactions []Transaction
	references   map[referenceKey]int
	withdrawals  map[uuid.UUID]Withdrawal
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests.
// Scopes are serialized by one mutex, which is a stricter form of row locking.
func NewInMemory() Store {
	return &inMemoryStore{
		accounts:    make(map[uuid.UUID]Account),
		byIdentity:  make(map[string]uuid.UUID),
		byAddress:   make(map[string]uuid.UUID),
		wallets:     make(map[walletKey]Wallet),
		references:  make(map[referenceKey]int),
		withdrawals: make(map[uuid.UUID]Withdrawal),
	}
}

func (s *inMemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *inMemoryStore) Transactions(_ context.Context, accountID uuid.UUID, currency string) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.transactions {
		if t.AccountID == accountID && t.Currency == currency {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *inMemoryStore) Withdrawal(_ context.Context, id uuid.UUID) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return w, nil
}

func (s *inMemoryStore) UnresolvedWithdrawals(_ context.Context, attemptedBefore time.Time, limit int) ([]Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Withdrawal
	for _, w := range s.withdrawals {
		if w.Unresolved() && w.AttemptedAt.Before(attemptedBefore) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.Before(out[j].AttemptedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx applies writes directly and keeps an undo journal for rollback. The
// store mutex is held by WithinTx for the whole scope.
type memTx struct {
	s    *inMemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) AccountByIdentity(_ context.Context, identityRef string) (Account, error) {
	id, ok := t.s.byIdentity[identityRef]
	if !ok {
		return Account{}, ErrNotFound
	}
	return t.s.accounts[id], nil
}

func (t *memTx) AccountByID(_ context.Context, id uuid.UUID) (Account, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (t *memTx) InsertAccount(_ context.Context, a Account) error {
	if _, exists := t.s.byIdentity[a.IdentityRef]; exists {
		return ErrConflict
	}
	if _, exists := t.s.byAddress[a.DepositAddress]; exists {
		return ErrConflict
	}
	if _, exists := t.s.accounts[a.ID]; exists {
		return ErrConflict
	}
	t.s.accounts[a.ID] = a
	t.s.byIdentity[a.IdentityRef] = a.ID
	t.s.byAddress[a.DepositAddress] = a.ID
	t.undo = append(t.undo, func() {
		delete(t.s.accounts, a.ID)
		delete(t.s.byIdentity, a.IdentityRef)
		delete(t.s.byAddress, a.DepositAddress)
	})
	return nil
}

func (t *memTx) InsertWallet(_ context.Context, w Wallet) error {
	key := walletKey{w.AccountID, w.Currency}
	if _, exists := t.s.wallets[key]; exists {
		return ErrConflict
	}
	t.s.wallets[key] = w
	t.undo = append(t.undo, func() { delete(t.s.wallets, key) })
	return nil
}

func (t *memTx) Wallet(_ context.Context, accountID uuid.UUID, currency string) (Wallet, error) {
	w, ok := t.s.wallets[walletKey{accountID, currency}]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (t *memTx) LockWallet(ctx context.Context, accountID uuid.UUID, currency string) (Wallet, error) {
	return t.Wallet(ctx, accountID, currency)
}

func (t *memTx) UpdateWallet(_ context.Context, w Wallet) error {
	key := walletKey{w.AccountID, w.Currency}
	prev, ok := t.s.wallets[key]
	if !ok {
		return ErrWalletNotFound
	}
	t.s.wallets[key] = w
	t.undo = append(t.undo, func() { t.s.wallets[key] = prev })
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, txn Transaction) error {
	key := referenceKey{txn.AccountID, txn.Currency, txn.Direction, txn.ExternalReference}
	if _, exists := t.s.references[key]; exists {
		return ErrDuplicateTransaction
	}
	t.s.transactions = append(t.s.transactions, txn)
	t.s.references[key] = len(t.s.transactions) - 1
	t.undo = append(t.undo, func() {
		t.s.transactions = t.s.transactions[:len(t.s.transactions)-1]
		delete(t.s.references, key)
	})
	return nil
}

func (t *memTx) TransactionByReference(_ context.Context, accountID uuid.UUID, currency, direction, reference string) (Transaction, error) {
	idx, ok := t.s.references[referenceKey{accountID, currency, direction, reference}]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t.s.transactions[idx], nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w Withdrawal) error {
	if _, exists := t.s.withdrawals[w.ID]; exists {
		return ErrConflict
	}
	t.s.withdrawals[w.ID] = w
	t.undo = append(t.undo, func() { delete(t.s.withdrawals, w.ID) })
	return nil
}

func (t *memTx) LockWithdrawal(_ context.Context, id uuid.UUID) (Withdrawal, error) {
	w, ok := t.s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return w, nil
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w Withdrawal) error {
	prev, ok := t.s.withdrawals[w.ID]
	if !ok {
		return ErrNotFound
	}
	t.s.withdrawals[w.ID] = w
	t.undo = append(t.undo, func() { t.s.withdrawals[w.ID] = prev })
	return nil
}
