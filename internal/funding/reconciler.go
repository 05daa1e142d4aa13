package funding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/settlement"
)

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	// Interval between runs started by Start.
	Interval time.Duration
	// Grace skips withdrawals attempted more recently than this, so in-flight
	// requests are not raced.
	Grace time.Duration
	// BatchSize caps the withdrawals examined per run.
	BatchSize int
}

// Report summarises a reconciliation run.
type Report struct {
	Examined   int
	Settled    int
	Released   int
	Unresolved int
}

// Reconciler resolves pending and ambiguous withdrawals by asking the
// settlement network whether the transfer landed.
type Reconciler struct {
	service *Service
	cfg     ReconcilerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReconciler builds a reconciler over the transaction processor.
func NewReconciler(service *Service, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{service: service, cfg: cfg, logger: service.logger}
}

// RunOnce examines every unresolved withdrawal older than the grace window.
// A lookup error leaves that withdrawal for the next run.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	cutoff := r.service.now().Add(-r.cfg.Grace)
	pending, err := r.service.store.UnresolvedWithdrawals(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("list unresolved withdrawals: %w", err)
	}

	var report Report
	for _, wd := range pending {
		if err := ctx.Err(); err != nil {
			report.Unresolved += len(pending) - report.Examined
			return report, err
		}
		report.Examined++
		r.resolve(ctx, wd, &report)
	}

	r.service.metrics.reconciled(report)
	if report.Examined > 0 {
		r.logger.Info("reconciliation run finished",
			slog.Int("examined", report.Examined),
			slog.Int("settled", report.Settled),
			slog.Int("released", report.Released),
			slog.Int("unresolved", report.Unresolved),
		)
	}
	return report, nil
}

func (r *Reconciler) resolve(ctx context.Context, wd ledger.Withdrawal, report *Report) {
	log := r.logger.With(
		slog.String("withdrawal_id", wd.ID.String()),
		slog.String("account_id", wd.AccountID.String()),
		slog.String("amount", wd.Amount.String()),
		slog.String("destination", wd.Destination),
		slog.Time("attempted_at", wd.AttemptedAt),
	)

	st, err := r.service.gateway.LookupTransfer(ctx, settlement.TransferQuery{
		IdempotencyKey: wd.IdempotencyKey,
		Destination:    wd.Destination,
		Amount:         wd.Amount,
		AttemptedAt:    wd.AttemptedAt,
	})
	if err != nil {
		log.Warn("settlement lookup failed", slog.Any("error", err))
		report.Unresolved++
		return
	}

	switch st.State {
	case settlement.StateSettled:
		if _, _, err := r.service.recordSettled(ctx, wd.ID, st.Reference); err != nil {
			log.Error("recording reconciled withdrawal failed", slog.Any("error", err))
			report.Unresolved++
			return
		}
		log.Info("reconciled withdrawal as settled", slog.String("external_reference", st.Reference))
		report.Settled++
	case settlement.StateAbsent:
		if _, _, err := r.service.release(ctx, wd.ID, "transfer not found on settlement network"); err != nil {
			log.Error("releasing reconciled withdrawal failed", slog.Any("error", err))
			report.Unresolved++
			return
		}
		log.Info("reconciled withdrawal as failed")
		report.Released++
	default:
		report.Unresolved++
	}
}

// Start runs RunOnce on the configured interval until Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
					r.logger.Warn("reconciliation run failed", slog.Any("error", err))
				}
			}
		}
	}()

	r.logger.Info("withdrawal reconciler started", slog.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits for an in-progress run, bounded by ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
