// Package bus connects the sentinel to the pipeline's NATS message bus:
// inbound completion and gap signals, outbound gap signals from detectors,
// and read-only inspection of dead-letter streams.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/courtdata/sentinel/internal/models"
)

// Bus wraps a NATS connection plus JetStream handle.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// Connect dials NATS and initialises JetStream.
func Connect(url string, timeout time.Duration, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url, nats.Timeout(timeout), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Bus{conn: conn, js: js, logger: logger}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
}

// SubscribeCompletion delivers decoded completion signals to the handler.
// Undecodable payloads are logged and dropped, never fatal.
func (b *Bus) SubscribeCompletion(subject string, handler func(models.CompletionSignal)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var sig models.CompletionSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			b.logger.Warn("bad completion signal payload",
				slog.String("subject", subject), slog.Any("error", err))
			return
		}
		handler(sig)
	})
}

// SubscribeGap delivers decoded gap signals to the handler.
func (b *Bus) SubscribeGap(subject string, handler func(models.GapSignal)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var sig models.GapSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			b.logger.Warn("bad gap signal payload",
				slog.String("subject", subject), slog.Any("error", err))
			return
		}
		handler(sig)
	})
}

// PublishGap emits a gap signal for the backfill trigger and any other listener.
func (b *Bus) PublishGap(subject string, sig models.GapSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal gap signal: %w", err)
	}
	return b.conn.Publish(subject, data)
}

// DLQMessage is one sampled dead-letter payload.
type DLQMessage struct {
	Subject string
	Data    []byte
}

// PeekDLQ fetches up to limit messages from a dead-letter stream without
// acknowledging them; they stay queued for manual recovery.
func (b *Bus) PeekDLQ(ctx context.Context, stream string, limit int, wait time.Duration) ([]DLQMessage, error) {
	sub, err := b.js.PullSubscribe("", "", nats.BindStream(stream), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("bind dlq stream %s: %w", stream, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	msgs, err := sub.Fetch(limit, nats.MaxWait(wait))
	if err != nil && err != nats.ErrTimeout {
		return nil, fmt.Errorf("peek dlq stream %s: %w", stream, err)
	}

	out := make([]DLQMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, DLQMessage{Subject: msg.Subject, Data: msg.Data})
	}
	return out, nil
}

// DLQDepth returns the exact message count of a dead-letter stream.
func (b *Bus) DLQDepth(ctx context.Context, stream string) (int64, error) {
	info, err := b.js.StreamInfo(stream, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("dlq stream info %s: %w", stream, err)
	}
	return int64(info.State.Msgs), nil
}
