package funding

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/custody/internal/account"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/settlement"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mem       ledger.Store
	gateway   *settlement.MemoryGateway
	service   *Service
	metrics   *Metrics
	clock     *testClock
	accountID uuid.UUID
}

func newFixture(t *testing.T, wrap func(ledger.Store) ledger.Store) *fixture {
	t.Helper()
	mem := ledger.NewInMemory()
	gw := settlement.NewMemoryGateway()
	accounts := account.NewService(mem, gw, logging.Discard())
	res, err := accounts.GetOrCreate(context.Background(), account.CreateInput{IdentityRef: "player@example.com", DisplayName: "Player"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	store := mem
	if wrap != nil {
		store = wrap(mem)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc, err := NewService(store, gw, logging.Discard(), WithMetrics(metrics), WithSettlementTimeout(time.Second))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	clock := &testClock{now: time.Now().UTC()}
	svc.now = clock.Now
	return &fixture{mem: mem, gateway: gw, service: svc, metrics: metrics, clock: clock, accountID: res.Account.ID}
}

func (f *fixture) seed(t *testing.T, amount decimal.Decimal) {
	t.Helper()
	if err := ledger.SeedBalance(context.Background(), f.mem, f.accountID, ledger.BaseCurrency, amount); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func (f *fixture) wallet(t *testing.T) ledger.Wallet {
	t.Helper()
	var w ledger.Wallet
	err := f.mem.WithinTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		w, err = tx.Wallet(context.Background(), f.accountID, ledger.BaseCurrency)
		return err
	})
	if err != nil {
		t.Fatalf("read wallet: %v", err)
	}
	return w
}

func (f *fixture) transactions(t *testing.T) []ledger.Transaction {
	t.Helper()
	txns, err := f.mem.Transactions(context.Background(), f.accountID, ledger.BaseCurrency)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	return txns
}

// assertConserved checks the log sums to the balance and the hold fits in it.
func (f *fixture) assertConserved(t *testing.T) {
	t.Helper()
	w := f.wallet(t)
	sum := decimal.Zero
	for _, txn := range f.transactions(t) {
		sum = sum.Add(txn.Amount)
	}
	if !sum.Equal(w.Balance) {
		t.Fatalf("ledger sum %s does not match balance %s", sum, w.Balance)
	}
	if w.Balance.IsNegative() || w.Held.IsNegative() || w.Held.GreaterThan(w.Balance) {
		t.Fatalf("invalid wallet state balance=%s held=%s", w.Balance, w.Held)
	}
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.service, ReconcilerConfig{Interval: 10 * time.Millisecond, Grace: time.Second})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func countReference(txns []ledger.Transaction, direction, ref string) int {
	n := 0
	for _, txn := range txns {
		if txn.Direction == direction && txn.ExternalReference == ref {
			n++
		}
	}
	return n
}

func TestDepositWithdrawScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, dec("10.0"))

	dep := DepositInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("5.0"), ExternalReference: "dep-1"}
	res, err := f.service.Deposit(ctx, dep)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Duplicate || !res.Wallet.Balance.Equal(dec("15")) {
		t.Fatalf("expected new deposit with balance 15, got %s (duplicate=%v)", res.Wallet.Balance, res.Duplicate)
	}

	again, err := f.service.Deposit(ctx, dep)
	if err != nil {
		t.Fatalf("repeat deposit: %v", err)
	}
	if !again.Duplicate || !again.Wallet.Balance.Equal(dec("15")) {
		t.Fatalf("expected duplicate with balance 15, got %s (duplicate=%v)", again.Wallet.Balance, again.Duplicate)
	}
	if n := countReference(f.transactions(t), ledger.DirectionDeposit, "dep-1"); n != 1 {
		t.Fatalf("expected one dep-1 transaction, got %d", n)
	}

	_, err = f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("20.0"), Destination: "dest-1"})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if w := f.wallet(t); !w.Balance.Equal(dec("15")) || !w.Held.IsZero() {
		t.Fatalf("rejected withdrawal changed wallet: balance=%s held=%s", w.Balance, w.Held)
	}
	if n := len(f.gateway.Transfers()); n != 0 {
		t.Fatalf("rejected withdrawal must not reach the gateway, got %d transfers", n)
	}

	out, err := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("15.0"), Destination: "dest-1"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !out.Wallet.Balance.IsZero() || !out.Wallet.Held.IsZero() {
		t.Fatalf("expected empty wallet, got balance=%s held=%s", out.Wallet.Balance, out.Wallet.Held)
	}
	transfers := f.gateway.Transfers()
	if len(transfers) != 1 || !transfers[0].Amount.Equal(dec("15")) || transfers[0].Destination != "dest-1" {
		t.Fatalf("expected one transfer of 15 to dest-1, got %+v", transfers)
	}
	if out.Withdrawal.Status != ledger.WithdrawalSettled || out.Withdrawal.ExternalReference != transfers[0].Reference {
		t.Fatalf("unexpected withdrawal %+v", out.Withdrawal)
	}
	if n := countReference(f.transactions(t), ledger.DirectionWithdrawal, transfers[0].Reference); n != 1 {
		t.Fatalf("expected one withdrawal transaction, got %d", n)
	}
	f.assertConserved(t)

	if got := testutil.ToFloat64(f.metrics.Deposits.WithLabelValues("SOL", "duplicate")); got != 1 {
		t.Fatalf("expected one duplicate deposit metric, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.Withdrawals.WithLabelValues("SOL", "settled")); got != 1 {
		t.Fatalf("expected one settled withdrawal metric, got %v", got)
	}
}

func TestDeposit_ConcurrentDepositsSerialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.Deposit(ctx, DepositInput{
				AccountID: f.accountID, Currency: "SOL", Amount: dec("0.5"), ExternalReference: fmt.Sprintf("dep-%d", i),
			})
			if err != nil {
				t.Errorf("deposit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if w := f.wallet(t); !w.Balance.Equal(dec("12.5")) {
		t.Fatalf("expected balance 12.5, got %s", w.Balance)
	}
	if got := len(f.transactions(t)); got != n {
		t.Fatalf("expected %d transactions, got %d", n, got)
	}
	f.assertConserved(t)
}

func TestDeposit_ConcurrentReplaysApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var credited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.service.Deposit(ctx, DepositInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("3"), ExternalReference: "sig-abc"})
			if err != nil {
				t.Errorf("deposit: %v", err)
				return
			}
			if !res.Duplicate {
				credited.Add(1)
			}
		}()
	}
	wg.Wait()

	if credited.Load() != 1 {
		t.Fatalf("expected exactly one crediting call, got %d", credited.Load())
	}
	if w := f.wallet(t); !w.Balance.Equal(dec("3")) {
		t.Fatalf("expected balance 3, got %s", w.Balance)
	}
}

func TestDeposit_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	cases := []struct {
		name  string
		input DepositInput
		want  error
	}{
		{"zero amount", DepositInput{AccountID: f.accountID, Currency: "SOL", Amount: decimal.Zero, ExternalReference: "r"}, ledger.ErrInvalidAmount},
		{"sub-lamport", DepositInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("0.0000000001"), ExternalReference: "r"}, ledger.ErrInvalidAmount},
		{"currency", DepositInput{AccountID: f.accountID, Currency: "BTC", Amount: dec("1"), ExternalReference: "r"}, ledger.ErrUnsupportedCurrency},
		{"reference", DepositInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("1")}, ErrMissingReference},
		{"unknown account", DepositInput{AccountID: uuid.New(), Currency: "SOL", Amount: dec("1"), ExternalReference: "r"}, ledger.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := f.service.Deposit(ctx, tc.input); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if got := len(f.transactions(t)); got != 0 {
		t.Fatalf("failed deposits must not write transactions, got %d", got)
	}
}

func TestWithdraw_RejectedTransferReleasesHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, dec("10"))
	f.gateway.FailNext(settlement.FaultReject)

	res, err := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("4"), Destination: "dest"})
	if !errors.Is(err, ErrSettlementTransferFailed) {
		t.Fatalf("expected transfer failed, got %v", err)
	}
	if res.Withdrawal.Status != ledger.WithdrawalFailed || res.Withdrawal.FailureReason == "" {
		t.Fatalf("expected failed withdrawal with reason, got %+v", res.Withdrawal)
	}
	if w := f.wallet(t); !w.Balance.Equal(dec("10")) || !w.Held.IsZero() {
		t.Fatalf("expected balance fully restored, got balance=%s held=%s", w.Balance, w.Held)
	}
	if n := len(f.transactions(t)); n != 1 {
		t.Fatalf("expected only the seed transaction, got %d", n)
	}
	f.assertConserved(t)
}

func TestWithdraw_AmbiguousHoldsFundsUntilReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, dec("10"))
	f.gateway.FailNext(settlement.FaultTimeoutAfterSend)

	res, err := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("10"), Destination: "dest"})
	if !errors.Is(err, ErrSettlementAmbiguous) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
	if res.Withdrawal.Status != ledger.WithdrawalAmbiguous {
		t.Fatalf("expected ambiguous status, got %s", res.Withdrawal.Status)
	}
	w := f.wallet(t)
	if !w.Balance.Equal(dec("10")) || !w.Available().IsZero() {
		t.Fatalf("expected funds held, got balance=%s available=%s", w.Balance, w.Available())
	}

	if _, err := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("1"), Destination: "dest"}); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("held funds must not be spendable, got %v", err)
	}

	rec := f.reconciler()
	f.clock.Advance(time.Minute)
	report, err := rec.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Settled != 1 {
		t.Fatalf("expected one settled withdrawal, got %+v", report)
	}
	if w := f.wallet(t); !w.Balance.IsZero() || !w.Held.IsZero() {
		t.Fatalf("expected empty wallet after reconciliation, got balance=%s held=%s", w.Balance, w.Held)
	}
	if n := len(f.gateway.Transfers()); n != 1 {
		t.Fatalf("reconciliation must not transfer again, got %d transfers", n)
	}
	f.assertConserved(t)
}

func TestWithdraw_LostRequestIsReleasedByReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, dec("10"))
	f.gateway.FailNext(settlement.FaultTimeoutBeforeSend)

	res, err := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("6"), Destination: "dest"})
	if !errors.Is(err, ErrSettlementAmbiguous) {
		t.Fatalf("expected ambiguous, got %v", err)
	}

	f.clock.Advance(time.Minute)
	report, err := f.reconciler().RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Released != 1 {
		t.Fatalf("expected one released withdrawal, got %+v", report)
	}
	wd, err := f.service.Withdrawal(ctx, res.Withdrawal.ID)
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if wd.Status != ledger.WithdrawalFailed || wd.ResolvedAt == nil {
		t.Fatalf("expected resolved failed withdrawal, got %+v", wd)
	}
	if w := f.wallet(t); !w.Balance.Equal(dec("10")) || !w.Held.IsZero() {
		t.Fatalf("expected balance restored, got balance=%s held=%s", w.Balance, w.Held)
	}
	f.assertConserved(t)
}

var errCrash = errors.New("process crashed before commit")

// crashingStore fails the first withdrawal append, simulating a crash between
// a successful transfer and the local commit.
type crashingStore struct {
	ledger.Store
	remaining atomic.Int32
}

func (s *crashingStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx ledger.Tx) error {
		return fn(&crashingTx{Tx: tx, store: s})
	})
}

type crashingTx struct {
	ledger.Tx
	store *crashingStore
}

func (t *crashingTx) AppendTransaction(ctx context.Context, txn ledger.Transaction) error {
	if txn.Direction == ledger.DirectionWithdrawal && t.store.remaining.Add(-1) >= 0 {
		return errCrash
	}
	return t.Tx.AppendTransaction(ctx, txn)
}

func TestReconcile_CrashAfterSuccessfulTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s ledger.Store) ledger.Store {
		cs := &crashingStore{Store: s}
		cs.remaining.Store(1)
		return cs
	})
	f.seed(t, dec("10"))

	res, err := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("7"), Destination: "dest"})
	if !errors.Is(err, ErrSettlementAmbiguous) {
		t.Fatalf("expected ambiguous after failed record, got %v", err)
	}
	if n := len(f.gateway.Transfers()); n != 1 {
		t.Fatalf("expected the transfer to have left custody, got %d", n)
	}
	wd, _ := f.service.Withdrawal(ctx, res.Withdrawal.ID)
	if !wd.Unresolved() {
		t.Fatalf("expected unresolved withdrawal after crash, got %s", wd.Status)
	}
	if w := f.wallet(t); !w.Balance.Equal(dec("10")) || !w.Held.Equal(dec("7")) {
		t.Fatalf("expected hold to remain, got balance=%s held=%s", w.Balance, w.Held)
	}

	rec := f.reconciler()
	f.clock.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := rec.RunOnce(ctx); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}

	ref := f.gateway.Transfers()[0].Reference
	if n := countReference(f.transactions(t), ledger.DirectionWithdrawal, ref); n != 1 {
		t.Fatalf("expected exactly one withdrawal transaction for %s, got %d", ref, n)
	}
	if w := f.wallet(t); !w.Balance.Equal(dec("3")) || !w.Held.IsZero() {
		t.Fatalf("expected balance 3 after reconciliation, got balance=%s held=%s", w.Balance, w.Held)
	}
	f.assertConserved(t)

	report, err := rec.RunOnce(ctx)
	if err != nil || report.Examined != 0 {
		t.Fatalf("expected nothing left to reconcile, got %+v (%v)", report, err)
	}
}

func TestReconcile_UnknownOutcomeStaysUnresolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, dec("2"))
	f.gateway.FailNext(settlement.FaultTimeoutBeforeSend)
	f.gateway.HoldLookups(true)

	res, _ := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("2"), Destination: "dest"})

	rec := f.reconciler()
	report, err := rec.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Examined != 0 {
		t.Fatalf("withdrawals inside the grace window must be skipped, got %+v", report)
	}

	f.clock.Advance(time.Minute)
	report, err = rec.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Unresolved != 1 {
		t.Fatalf("expected one unresolved withdrawal, got %+v", report)
	}
	wd, _ := f.service.Withdrawal(ctx, res.Withdrawal.ID)
	if wd.Status != ledger.WithdrawalAmbiguous {
		t.Fatalf("unknown outcome must not be assumed, got %s", wd.Status)
	}
}

func TestReconciler_StartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, dec("5"))
	f.gateway.FailNext(settlement.FaultTimeoutAfterSend)
	res, _ := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: dec("5"), Destination: "dest"})
	f.clock.Advance(time.Minute)

	rec := f.reconciler()
	if err := rec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		wd, _ := f.service.Withdrawal(ctx, res.Withdrawal.ID)
		if wd.Status == ledger.WithdrawalSettled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("withdrawal not reconciled in time, status %s", wd.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := rec.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := rec.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestRandomSequencesPreserveInvariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	rng := rand.New(rand.NewSource(42))
	faults := []settlement.Fault{settlement.FaultNone, settlement.FaultReject, settlement.FaultTimeoutAfterSend, settlement.FaultTimeoutBeforeSend}

	for i := 0; i < 200; i++ {
		amount := decimal.New(int64(rng.Intn(5000)+1), -3)
		if rng.Intn(2) == 0 {
			ref := fmt.Sprintf("dep-%d", rng.Intn(60))
			if _, err := f.service.Deposit(ctx, DepositInput{AccountID: f.accountID, Currency: "SOL", Amount: amount, ExternalReference: ref}); err != nil {
				t.Fatalf("deposit %d: %v", i, err)
			}
		} else {
			f.gateway.FailNext(faults[rng.Intn(len(faults))])
			_, err := f.service.Withdraw(ctx, WithdrawInput{AccountID: f.accountID, Currency: "SOL", Amount: amount, Destination: "dest"})
			switch {
			case err == nil, errors.Is(err, ledger.ErrInsufficientBalance),
				errors.Is(err, ErrSettlementTransferFailed), errors.Is(err, ErrSettlementAmbiguous):
			default:
				t.Fatalf("withdraw %d: unexpected error %v", i, err)
			}
		}
		if rng.Intn(10) == 0 {
			f.clock.Advance(time.Minute)
			if _, err := f.reconciler().RunOnce(ctx); err != nil {
				t.Fatalf("reconcile %d: %v", i, err)
			}
		}
		f.assertConserved(t)
	}
}
