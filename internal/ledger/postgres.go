package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists accounts, wallets, the transaction log and withdrawal
// intents in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithinTx opens a read-committed transaction; row locks taken inside are
// released on commit or rollback.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Transactions lists the ledger records of one wallet in insertion order.
func (s *PostgresStore) Transactions(ctx context.Context, accountID uuid.UUID, currency string) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, account_id, currency, direction, amount::text, external_reference, created_at
        FROM transactions
        WHERE account_id = $1 AND currency = $2
        ORDER BY created_at, id`, accountID, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// Withdrawal fetches a withdrawal intent by id.
func (s *PostgresStore) Withdrawal(ctx context.Context, id uuid.UUID) (Withdrawal, error) {
	row := s.db.QueryRow(ctx, withdrawalColumns+` WHERE id = $1`, id)
	return scanWithdrawal(row)
}

// UnresolvedWithdrawals returns pending or ambiguous withdrawals attempted before the cutoff, oldest first.
func (s *PostgresStore) UnresolvedWithdrawals(ctx context.Context, attemptedBefore time.Time, limit int) ([]Withdrawal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, withdrawalColumns+`
        WHERE status IN ('pending', 'ambiguous') AND attempted_at < $1
        ORDER BY attempted_at
        LIMIT $2`, attemptedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

const accountColumns = `SELECT id, identity_ref, auth_subject, display_name, deposit_address, created_at FROM accounts`

func (t *pgTx) AccountByIdentity(ctx context.Context, identityRef string) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, accountColumns+` WHERE identity_ref = $1`, identityRef))
}

func (t *pgTx) AccountByID(ctx context.Context, id uuid.UUID) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, accountColumns+` WHERE id = $1`, id))
}

func (t *pgTx) InsertAccount(ctx context.Context, a Account) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO accounts (id, identity_ref, auth_subject, display_name, deposit_address, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`, a.ID, a.IdentityRef, a.AuthSubject, a.DisplayName, a.DepositAddress, a.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) InsertWallet(ctx context.Context, w Wallet) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO wallets (id, account_id, currency, balance, held, kind, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`, w.ID, w.AccountID, w.Currency, w.Balance.String(), w.Held.String(), w.Kind, w.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const walletColumns = `SELECT id, account_id, currency, balance::text, held::text, kind, updated_at
        FROM wallets WHERE account_id = $1 AND currency = $2`

func (t *pgTx) Wallet(ctx context.Context, accountID uuid.UUID, currency string) (Wallet, error) {
	return scanWallet(t.tx.QueryRow(ctx, walletColumns, accountID, currency))
}

func (t *pgTx) LockWallet(ctx context.Context, accountID uuid.UUID, currency string) (Wallet, error) {
	return scanWallet(t.tx.QueryRow(ctx, walletColumns+` FOR UPDATE`, accountID, currency))
}

func (t *pgTx) UpdateWallet(ctx context.Context, w Wallet) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE wallets SET balance = $1, held = $2, updated_at = $3 WHERE id = $4`,
		w.Balance.String(), w.Held.String(), w.UpdatedAt.UTC(), w.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn Transaction) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO transactions (id, account_id, currency, direction, amount, external_reference, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.ID, txn.AccountID, txn.Currency, txn.Direction, txn.Amount.String(), txn.ExternalReference, txn.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	return err
}

func (t *pgTx) TransactionByReference(ctx context.Context, accountID uuid.UUID, currency, direction, reference string) (Transaction, error) {
	row := t.tx.QueryRow(ctx, `
        SELECT id, account_id, currency, direction, amount::text, external_reference, created_at
        FROM transactions
        WHERE account_id = $1 AND currency = $2 AND direction = $3 AND external_reference = $4`,
		accountID, currency, direction, reference)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	return txn, err
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w Withdrawal) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO withdrawals
        (id, account_id, currency, amount, destination, idempotency_key, status, external_reference, failure_reason, attempted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.AccountID, w.Currency, w.Amount.String(), w.Destination, w.IdempotencyKey, w.Status,
		w.ExternalReference, w.FailureReason, w.AttemptedAt.UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) LockWithdrawal(ctx context.Context, id uuid.UUID) (Withdrawal, error) {
	return scanWithdrawal(t.tx.QueryRow(ctx, withdrawalColumns+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w Withdrawal) error {
	var resolvedAt *time.Time
	if w.ResolvedAt != nil {
		utc := w.ResolvedAt.UTC()
		resolvedAt = &utc
	}
	cmd, err := t.tx.Exec(ctx, `UPDATE withdrawals
        SET status = $1, external_reference = $2, failure_reason = $3, resolved_at = $4
        WHERE id = $5`, w.Status, w.ExternalReference, w.FailureReason, resolvedAt, w.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.IdentityRef, &a.AuthSubject, &a.DisplayName, &a.DepositAddress, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w                   Wallet
		balanceStr, heldStr string
	)
	if err := row.Scan(&w.ID, &w.AccountID, &w.Currency, &balanceStr, &heldStr, &w.Kind, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	var err error
	if w.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	if w.Held, err = decimal.NewFromString(heldStr); err != nil {
		return Wallet{}, fmt.Errorf("parse held: %w", err)
	}
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn       Transaction
		amountStr string
	)
	if err := row.Scan(&txn.ID, &txn.AccountID, &txn.Currency, &txn.Direction, &amountStr, &txn.ExternalReference, &txn.CreatedAt); err != nil {
		return Transaction{}, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	txn.Amount = amount
	txn.CreatedAt = txn.CreatedAt.UTC()
	return txn, nil
}

const withdrawalColumns = `SELECT id, account_id, currency, amount::text, destination, idempotency_key, status,
        external_reference, failure_reason, attempted_at, resolved_at FROM withdrawals`

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w         Withdrawal
		amountStr string
	)
	if err := row.Scan(&w.ID, &w.AccountID, &w.Currency, &amountStr, &w.Destination, &w.IdempotencyKey, &w.Status,
		&w.ExternalReference, &w.FailureReason, &w.AttemptedAt, &w.ResolvedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Withdrawal{}, ErrNotFound
		}
		return Withdrawal{}, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("parse amount: %w", err)
	}
	w.Amount = amount
	w.AttemptedAt = w.AttemptedAt.UTC()
	return w, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
