package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/custody/internal/funding"
	"github.com/congo-pay/custody/internal/ledger"
)

const (
	// DepositStream carries deposit notifications from the chain watcher.
	DepositStream   = "CUSTODY_DEPOSITS"
	DepositSubjects = "custody.deposits.>"
	consumerName    = "custody-ledger-deposits"
)

// action is what happens to a delivered message.
type action int

const (
	actionAck action = iota
	actionNak
	actionTerm
)

// DepositNotification is the payload published for a confirmed on-chain deposit.
type DepositNotification struct {
	AccountID         string          `json:"account_id"`
	Currency          string          `json:"currency"`
	Amount            decimal.Decimal `json:"amount"`
	ExternalReference string          `json:"external_reference"`
}

// Depositor credits deposits; satisfied by *funding.Service.
type Depositor interface {
	Deposit(ctx context.Context, input funding.DepositInput) (funding.DepositResult, error)
}

// DepositConsumer applies deposit notifications from JetStream. Redelivery is
// safe because deposits are deduplicated by external reference.
type DepositConsumer struct {
	js       jetstream.JetStream
	deposits Depositor
	logger   *slog.Logger
	consume  jetstream.ConsumeContext
}

func NewDepositConsumer(js jetstream.JetStream, deposits Depositor, logger *slog.Logger) *DepositConsumer {
	return &DepositConsumer{js: js, deposits: deposits, logger: logger}
}

// EnsureStream creates the deposit stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      DepositStream,
		Subjects:  []string{DepositSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", DepositStream, err)
	}
	return nil
}

// Start creates the durable consumer and begins processing.
func (c *DepositConsumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, DepositStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: DepositSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var ackErr error
		switch c.handle(ctx, msg.Data()) {
		case actionAck:
			ackErr = msg.Ack()
		case actionTerm:
			ackErr = msg.Term()
		default:
			ackErr = msg.NakWithDelay(5 * time.Second)
		}
		if ackErr != nil {
			c.logger.Warn("deposit message acknowledgement failed", slog.String("subject", msg.Subject()), slog.Any("error", ackErr))
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}
	c.consume = cc
	c.logger.Info("deposit consumer started", slog.String("stream", DepositStream), slog.String("consumer", consumerName))
	return nil
}

// Stop halts message delivery.
func (c *DepositConsumer) Stop() {
	if c.consume != nil {
		c.consume.Stop()
	}
}

func (c *DepositConsumer) handle(ctx context.Context, data []byte) action {
	var n DepositNotification
	if err := json.Unmarshal(data, &n); err != nil {
		c.logger.Warn("malformed deposit notification dropped", slog.Any("error", err))
		return actionTerm
	}
	accountID, err := uuid.Parse(n.AccountID)
	if err != nil {
		c.logger.Warn("deposit notification with invalid account id dropped", slog.String("account_id", n.AccountID))
		return actionTerm
	}

	res, err := c.deposits.Deposit(ctx, funding.DepositInput{
		AccountID:         accountID,
		Currency:          n.Currency,
		Amount:            n.Amount,
		ExternalReference: n.ExternalReference,
	})
	switch {
	case err == nil:
		if res.Duplicate {
			c.logger.Debug("redelivered deposit already applied", slog.String("external_reference", n.ExternalReference))
		}
		return actionAck
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnsupportedCurrency),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, funding.ErrMissingReference):
		c.logger.Warn("deposit notification rejected",
			slog.String("account_id", n.AccountID),
			slog.String("external_reference", n.ExternalReference),
			slog.Any("error", err),
		)
		return actionTerm
	default:
		c.logger.Error("deposit notification failed, will retry",
			slog.String("account_id", n.AccountID),
			slog.String("external_reference", n.ExternalReference),
			slog.Any("error", err),
		)
		return actionNak
	}
}
