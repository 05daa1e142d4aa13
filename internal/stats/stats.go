package stats

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTimeframe rejects leaderboard timeframes other than 24h and all.
	ErrInvalidTimeframe = errors.New("invalid timeframe")

	// ErrNotFound is returned by repositories when no snapshot exists.
	ErrNotFound = errors.New("stats not found")
)

const (
	// DefaultNetwork is the settlement network stats are reported for.
	DefaultNetwork = "solana"

	Timeframe24h = "24h"
	TimeframeAll = "all"

	// LeaderboardLimit caps leaderboard size.
	LeaderboardLimit = 100
)

// Snapshot aggregates the match results of one account on one network.
type Snapshot struct {
	AccountID    uuid.UUID       `json:"account_id"`
	Network      string          `json:"network"`
	TotalMatches int64           `json:"total_matches"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
}

// LeaderboardEntry is one ranked row of a leaderboard.
type LeaderboardEntry struct {
	Rank         int             `json:"rank"`
	AccountID    uuid.UUID       `json:"account_id"`
	DisplayName  string          `json:"display_name"`
	TotalMatches int64           `json:"total_matches"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
}

// Repository reads aggregates maintained outside the ledger.
type Repository interface {
	Snapshot(ctx context.Context, accountID uuid.UUID, network string) (Snapshot, error)
	// Leaderboard ranks accounts by profit. A zero since covers all time.
	Leaderboard(ctx context.Context, network string, since time.Time, limit int) ([]LeaderboardEntry, error)
}

// NormalizeNetwork lower-cases a network name, defaulting to DefaultNetwork.
func NormalizeNetwork(network string) string {
	network = strings.ToLower(strings.TrimSpace(network))
	if network == "" {
		return DefaultNetwork
	}
	return network
}
