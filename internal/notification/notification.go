package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	KindDepositCredited     = "deposit_credited"
	KindWithdrawalSettled   = "withdrawal_settled"
	KindWithdrawalFailed    = "withdrawal_failed"
	KindWithdrawalAmbiguous = "withdrawal_ambiguous"

	// EventStream holds ledger events published after commit.
	EventStream   = "CUSTODY_LEDGER_EVENTS"
	subjectPrefix = "custody.ledger.events."
)

// Message describes a committed ledger event.
type Message struct {
	Kind         string    `json:"kind"`
	AccountID    string    `json:"account_id"`
	Currency     string    `json:"currency"`
	Amount       string    `json:"amount"`
	Balance      string    `json:"balance,omitempty"`
	Reference    string    `json:"external_reference,omitempty"`
	WithdrawalID string    `json:"withdrawal_id,omitempty"`
	Destination  string    `json:"destination_address,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"account_id", message.AccountID,
		"currency", message.Currency,
		"amount", message.Amount,
		"external_reference", message.Reference,
	)
	return nil
}

// Publisher is the subset of jetstream.JetStream used for outbound events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSNotifier publishes events to custody.ledger.events.<kind>.
type NATSNotifier struct {
	js Publisher
}

// NewNATSNotifier wraps a JetStream publisher.
func NewNATSNotifier(js Publisher) *NATSNotifier {
	return &NATSNotifier{js: js}
}

// Subject returns the subject a message kind is published on.
func Subject(kind string) string {
	return subjectPrefix + kind
}

func (n *NATSNotifier) Send(ctx context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	opts := []jetstream.PublishOpt{}
	if id := messageID(message); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := n.js.Publish(ctx, Subject(message.Kind), data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", message.Kind, err)
	}
	return nil
}

// messageID lets JetStream drop republished duplicates of the same event.
func messageID(m Message) string {
	switch {
	case m.WithdrawalID != "":
		return m.Kind + ":" + m.WithdrawalID
	case m.Reference != "":
		return m.Kind + ":" + m.AccountID + ":" + m.Currency + ":" + m.Reference
	default:
		return ""
	}
}

// EnsureEventStream creates the outbound ledger events stream.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{subjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", EventStream, err)
	}
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
