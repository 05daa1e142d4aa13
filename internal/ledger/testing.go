package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedBalance credits an existing wallet and records a matching deposit so
// the log still sums to the balance. Used by tests against any Store.
func SeedBalance(ctx context.Context, s Store, accountID uuid.UUID, currency string, amount decimal.Decimal) error {
	return s.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, accountID, currency)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		w.Balance = w.Balance.Add(amount)
		w.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, Transaction{
			ID:                uuid.New(),
			AccountID:         accountID,
			Currency:          currency,
			Direction:         DirectionDeposit,
			Amount:            amount,
			ExternalReference: "seed:" + uuid.NewString(),
			CreatedAt:         now,
		})
	})
}
