package routes

import (
	"fmt"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/congo-pay/custody/internal/account"
	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/funding"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/notification"
	"github.com/congo-pay/custody/internal/settlement"
	"github.com/congo-pay/custody/internal/stats"
)

// Services holds the domain services shared by the HTTP routes and the
// background workers started from main.
type Services struct {
	Store      ledger.Store
	Gateway    settlement.Gateway
	Accounts   *account.Service
	Funding    *funding.Service
	Reconciler *funding.Reconciler
	Stats      *stats.Service
}

// BuildServices picks the storage and settlement backends from the config
// and wires the domain services on top of them.
func BuildServices(d Deps) (Services, error) {
	var store ledger.Store
	var statsRepo stats.Repository
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
		statsRepo = stats.NewPostgresRepository(d.DB)
	} else {
		store = ledger.NewInMemory()
		statsRepo = stats.NewMemoryRepository()
	}

	gateway := d.Gateway
	if gateway == nil {
		var err error
		if gateway, err = newGateway(d); err != nil {
			return Services{}, err
		}
	}

	notifiers := notification.Multi{notification.NewLoggerNotifier(d.Logger)}
	if d.JetStream != nil {
		notifiers = append(notifiers, notification.NewNATSNotifier(d.JetStream))
	}

	fundingSvc, err := funding.NewService(store, gateway, d.Logger,
		funding.WithNotifier(notifiers),
		funding.WithMetrics(funding.NewMetrics(d.Registry)),
		funding.WithSettlementTimeout(d.Cfg.SettlementTimeout),
	)
	if err != nil {
		return Services{}, err
	}

	return Services{
		Store:    store,
		Gateway:  gateway,
		Accounts: account.NewService(store, gateway, d.Logger),
		Funding:  fundingSvc,
		Reconciler: funding.NewReconciler(fundingSvc, funding.ReconcilerConfig{
			Interval: d.Cfg.ReconcileInterval,
			Grace:    d.Cfg.ReconcileGrace,
		}),
		Stats: stats.NewService(statsRepo, d.Cache, d.Cfg.LeaderboardCacheTTL, d.Logger),
	}, nil
}

func newGateway(d Deps) (settlement.Gateway, error) {
	switch d.Cfg.SettlementBackend {
	case config.BackendMemory:
		d.Logger.Warn("using in-memory settlement gateway; withdrawals do not leave the process")
		return settlement.NewMemoryGateway(), nil
	case config.BackendSolana:
		return settlement.NewSolanaGateway(settlement.SolanaConfig{
			RPCURL:          d.Cfg.SolanaRPCURL,
			ProgramID:       d.Cfg.SolanaProgramID,
			TreasuryKeyPath: d.Cfg.SolanaTreasuryKey,
			Commitment:      rpc.CommitmentType(d.Cfg.SolanaCommitment),
		}, d.Logger)
	default:
		return nil, fmt.Errorf("unknown settlement backend %q", d.Cfg.SettlementBackend)
	}
}
