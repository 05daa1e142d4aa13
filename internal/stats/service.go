package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const leaderboardPrefix = "stats:leaderboard:v1:"

// Service answers stats and leaderboard queries. Leaderboards are cached in
// redis when a client is configured.
type Service struct {
	repo     Repository
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a read-model service. cache may be nil.
func NewService(repo Repository, cache *redis.Client, cacheTTL time.Duration, logger *slog.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Service{repo: repo, cache: cache, cacheTTL: cacheTTL, logger: logger, now: time.Now}
}

// GetStats returns the account's aggregate, zeroed when none exists.
func (s *Service) GetStats(ctx context.Context, accountID uuid.UUID, network string) (Snapshot, error) {
	network = NormalizeNetwork(network)
	snap, err := s.repo.Snapshot(ctx, accountID, network)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{AccountID: accountID, Network: network, TotalProfit: decimal.Zero}, nil
	}
	return snap, err
}

// Leaderboard returns the top accounts for the timeframe.
func (s *Service) Leaderboard(ctx context.Context, network, timeframe string) ([]LeaderboardEntry, error) {
	network = NormalizeNetwork(network)
	var since time.Time
	switch timeframe {
	case Timeframe24h:
		since = s.now().Add(-24 * time.Hour)
	case TimeframeAll:
	default:
		return nil, ErrInvalidTimeframe
	}

	key := leaderboardPrefix + network + ":" + timeframe
	if entries, ok := s.cached(ctx, key); ok {
		return entries, nil
	}

	entries, err := s.repo.Leaderboard(ctx, network, since, LeaderboardLimit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []LeaderboardEntry{}
	}
	s.store(ctx, key, entries)
	return entries, nil
}

func (s *Service) cached(ctx context.Context, key string) ([]LeaderboardEntry, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("leaderboard cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	var entries []LeaderboardEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("leaderboard cache entry invalid", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return entries, true
}

func (s *Service) store(ctx context.Context, key string, entries []LeaderboardEntry) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cacheTTL).Err(); err != nil {
		s.logger.Warn("leaderboard cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}
