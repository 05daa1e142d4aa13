package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type matchResult struct {
	accountID uuid.UUID
	name      string
	network   string
	profit    decimal.Decimal
	at        time.Time
}

// MemoryRepository keeps match results in process for tests and local runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	results []matchResult
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// RecordMatch stores one match outcome.
func (r *MemoryRepository) RecordMatch(accountID uuid.UUID, displayName, network string, profit decimal.Decimal, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, matchResult{accountID: accountID, name: displayName, network: NormalizeNetwork(network), profit: profit, at: at})
}

func (r *MemoryRepository) Snapshot(_ context.Context, accountID uuid.UUID, network string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{AccountID: accountID, Network: network, TotalProfit: decimal.Zero}
	for _, m := range r.results {
		if m.accountID == accountID && m.network == network {
			s.TotalMatches++
			s.TotalProfit = s.TotalProfit.Add(m.profit)
		}
	}
	if s.TotalMatches == 0 {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) Leaderboard(_ context.Context, network string, since time.Time, limit int) ([]LeaderboardEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byAccount := make(map[uuid.UUID]*LeaderboardEntry)
	for _, m := range r.results {
		if m.network != network || (!since.IsZero() && m.at.Before(since)) {
			continue
		}
		e, ok := byAccount[m.accountID]
		if !ok {
			e = &LeaderboardEntry{AccountID: m.accountID, DisplayName: m.name, TotalProfit: decimal.Zero}
			byAccount[m.accountID] = e
		}
		e.TotalMatches++
		e.TotalProfit = e.TotalProfit.Add(m.profit)
	}

	out := make([]LeaderboardEntry, 0, len(byAccount))
	for _, e := range byAccount {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalProfit.Cmp(out[j].TotalProfit); c != 0 {
			return c > 0
		}
		if out[i].TotalMatches != out[j].TotalMatches {
			return out[i].TotalMatches > out[j].TotalMatches
		}
		return out[i].AccountID.String() < out[j].AccountID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}
