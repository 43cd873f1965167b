package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/agentgrid/agentgrid/internal/domain"
	"github.com/agentgrid/agentgrid/internal/retry"
)

const (
	publishAttempts          = 3
	publishResilientAttempts = 10
)

// buildRecord frames one message: JSON body, correlation id as the
// record key (ordering per task) and as a header.
func buildRecord(topic string, payload any, correlationID string) (*kgo.Record, error) {
	b, err := domain.EncodeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("op=queue.marshal: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(correlationID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "correlation_id", Value: []byte(correlationID)},
		},
	}, nil
}

// produceOnce sends one record and waits for the acks-all confirmation.
func (b *Broker) produceOnce(ctx context.Context, rec *kgo.Record) error {
	pc := b.getProducer()
	if pc == nil {
		return ErrNotReady
	}
	if err := pc.ProduceSync(ctx, rec).FirstErr(); err != nil {
		b.markDirty()
		return fmt.Errorf("op=queue.produce: %w", err)
	}
	return nil
}

// Publish sends payload to queue. The normal path makes 3 attempts with
// linear 2s, 4s pauses; the resilient path makes 10 attempts with 5s,
// 10s, ... pauses and re-establishes the connection between attempts.
// A marshal failure is terminal either way.
func (b *Broker) Publish(ctx context.Context, queue string, payload any, correlationID string, resilient bool) error {
	rec, err := buildRecord(queue, payload, correlationID)
	if err != nil {
		return err
	}
	b.ensureTopic(ctx, queue)

	attempts, step := publishAttempts, 2*time.Second
	if resilient {
		attempts, step = publishResilientAttempts, 5*time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = nil
		if resilient {
			lastErr = b.verify(ctx)
		}
		if lastErr == nil {
			lastErr = b.produceOnce(ctx, rec)
		}
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		pause := time.Duration(attempt) * step
		slog.Warn("publish failed",
			slog.String("queue", queue),
			slog.String("correlation_id", correlationID),
			slog.Int("attempt", attempt),
			slog.Duration("next_retry", pause),
			slog.Any("error", lastErr))
		if err := retry.Sleep(ctx, pause); err != nil {
			return err
		}
	}
	return fmt.Errorf("op=queue.publish: %w", lastErr)
}

// PublishResilient retries the publish across connection loss for up to
// maxWait and reports whether the message was confirmed. It never
// returns an error; exhaustion is logged and surfaces as false.
func (b *Broker) PublishResilient(ctx context.Context, queue string, payload any, correlationID string, maxWait time.Duration) bool {
	rec, err := buildRecord(queue, payload, correlationID)
	if err != nil {
		slog.Error("unpublishable payload",
			slog.String("queue", queue),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))
		return false
	}
	b.ensureTopic(ctx, queue)

	ok, err := retry.Do(ctx, retry.ResilientPolicy(maxWait), func(ctx context.Context) (bool, error) {
		if err := b.verify(ctx); err != nil {
			return false, err
		}
		if err := b.produceOnce(ctx, rec); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		slog.Error("resilient publish exhausted",
			slog.String("queue", queue),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))
		return false
	}
	return ok
}

var _ domain.Broker = (*Broker)(nil)
