package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresRepository reads the user_network_pnl and match_results tables.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Snapshot(ctx context.Context, accountID uuid.UUID, network string) (Snapshot, error) {
	var (
		s         Snapshot
		profitStr string
	)
	err := r.db.QueryRow(ctx, `
        SELECT account_id, network, total_matches, total_profit::text
        FROM user_network_pnl
        WHERE account_id = $1 AND network = $2`, accountID, network).
		Scan(&s.AccountID, &s.Network, &s.TotalMatches, &profitStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	if s.TotalProfit, err = decimal.NewFromString(profitStr); err != nil {
		return Snapshot{}, fmt.Errorf("parse total profit: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) Leaderboard(ctx context.Context, network string, since time.Time, limit int) ([]LeaderboardEntry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if since.IsZero() {
		rows, err = r.db.Query(ctx, `
            SELECT p.account_id, a.display_name, p.total_matches, p.total_profit::text
            FROM user_network_pnl p
            JOIN accounts a ON a.id = p.account_id
            WHERE p.network = $1
            ORDER BY p.total_profit DESC, p.total_matches DESC, p.account_id
            LIMIT $2`, network, limit)
	} else {
		rows, err = r.db.Query(ctx, `
            SELECT m.account_id, a.display_name, COUNT(*), SUM(m.profit)::text
            FROM match_results m
            JOIN accounts a ON a.id = m.account_id
            WHERE m.network = $1 AND m.created_at >= $2
            GROUP BY m.account_id, a.display_name
            ORDER BY SUM(m.profit) DESC, COUNT(*) DESC, m.account_id
            LIMIT $3`, network, since.UTC(), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LeaderboardEntry
	for rows.Next() {
		var (
			e         LeaderboardEntry
			profitStr string
		)
		if err := rows.Scan(&e.AccountID, &e.DisplayName, &e.TotalMatches, &profitStr); err != nil {
			return nil, err
		}
		if e.TotalProfit, err = decimal.NewFromString(profitStr); err != nil {
			return nil, fmt.Errorf("parse profit: %w", err)
		}
		e.Rank = len(out) + 1
		out = append(out, e)
	}
	return out, rows.Err()
}
