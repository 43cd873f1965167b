package redpanda

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/agentgrid/agentgrid/internal/domain"
	"github.com/agentgrid/agentgrid/internal/retry"
)

const (
	// requeueWait bounds the re-produce of a rejected record. While it
	// is not confirmed the offset stays uncommitted, so the record is
	// redelivered after a rebalance instead of being lost.
	requeueWait = 120 * time.Second

	connLossPause  = 5 * time.Second
	fetchErrPause  = 10 * time.Second
	redeliveryHdr  = "redeliveries"
	correlationHdr = "correlation_id"
)

// consumerClient is the slice of the group client the consume loop
// needs, split out so record handling is testable without a broker.
type consumerClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// newGroupClient is swapped in tests.
var newGroupClient = func(brokers []string, group, topic string) (consumerClient, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(5*time.Second),
	)
}

// Consume runs the delivery loop for queue until ctx is cancelled. Each
// record goes through handler exactly once per delivery: a nil return
// commits the offset, an error re-produces the record to the tail of
// the topic and then commits. The group client reconnects internally;
// fetch errors only pace the loop.
func (b *Broker) Consume(ctx context.Context, queue string, handler domain.MessageHandler) error {
	if err := b.Init(ctx); err != nil {
		return err
	}
	b.ensureTopic(ctx, queue)

	cc, err := newGroupClient(b.brokers, b.group, queue)
	if err != nil {
		return err
	}
	defer cc.Close()

	slog.Info("consuming", slog.String("queue", queue), slog.String("group", b.group))
	for {
		fetches := cc.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			pause := fetchErrPause
			for _, fe := range errs {
				if isConnLoss(fe.Err) {
					b.markDirty()
					pause = connLossPause
				}
				slog.Warn("fetch error",
					slog.String("queue", queue),
					slog.String("topic", fe.Topic),
					slog.Any("error", fe.Err))
			}
			if err := retry.Sleep(ctx, pause); err != nil {
				return err
			}
			continue
		}
		var loopErr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if loopErr != nil {
				return
			}
			loopErr = b.processRecord(ctx, cc, rec, handler)
		})
		if loopErr != nil {
			return loopErr
		}
	}
}

// processRecord runs handler on one record and settles its offset.
func (b *Broker) processRecord(ctx context.Context, cc consumerClient, rec *kgo.Record, handler domain.MessageHandler) error {
	if err := handler(ctx, rec.Value); err != nil {
		slog.Warn("handler rejected message, requeueing",
			slog.String("queue", rec.Topic),
			slog.String("correlation_id", recordCorrelationID(rec)),
			slog.Any("error", err))
		if !b.requeue(ctx, rec) {
			// Leave the offset uncommitted; redelivery happens on the
			// next rebalance or restart.
			return nil
		}
	}
	if err := cc.CommitRecords(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("offset commit failed",
			slog.String("queue", rec.Topic),
			slog.String("correlation_id", recordCorrelationID(rec)),
			slog.Any("error", err))
	}
	return nil
}

// requeue re-produces rec to the tail of its topic with the redelivery
// counter bumped, reporting whether the copy was confirmed.
func (b *Broker) requeue(ctx context.Context, rec *kgo.Record) bool {
	copyRec := &kgo.Record{
		Topic:   rec.Topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: bumpRedeliveries(rec.Headers),
	}
	ok, err := retry.Do(ctx, retry.ResilientPolicy(requeueWait), func(ctx context.Context) (bool, error) {
		if err := b.verify(ctx); err != nil {
			return false, err
		}
		if err := b.produceOnce(ctx, copyRec); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		slog.Error("requeue exhausted",
			slog.String("queue", rec.Topic),
			slog.String("correlation_id", recordCorrelationID(rec)),
			slog.Any("error", err))
		return false
	}
	return ok
}

func bumpRedeliveries(headers []kgo.RecordHeader) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(headers)+1)
	n := 0
	for _, h := range headers {
		if h.Key == redeliveryHdr {
			n, _ = strconv.Atoi(string(h.Value))
			continue
		}
		out = append(out, h)
	}
	return append(out, kgo.RecordHeader{Key: redeliveryHdr, Value: []byte(strconv.Itoa(n + 1))})
}

func recordCorrelationID(rec *kgo.Record) string {
	for _, h := range rec.Headers {
		if h.Key == correlationHdr {
			return string(h.Value)
		}
	}
	return string(rec.Key)
}

func isConnLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, kgo.ErrClientClosed) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "i/o timeout") ||
		strings.Contains(s, "no such host") ||
		strings.Contains(s, "EOF")
}
