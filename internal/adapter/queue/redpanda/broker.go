// Package redpanda provides the Redpanda/Kafka queue integration.
//
// It carries the durable task queue and the status stream. Delivery
// semantics are mapped onto Kafka primitives: acknowledging a message
// commits its offset, requeueing re-produces the record before
// committing, and queue depth is the consumer group lag.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/agentgrid/agentgrid/internal/retry"
)

// ErrNotReady is returned while the connector has no verified client.
var ErrNotReady = errors.New("broker not ready")

// producerClient is the slice of kgo.Client the publish path needs.
type producerClient interface {
	Ping(ctx context.Context) error
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Broker is the lazy, shared Kafka connector implementing the queue
// port. One Broker serves all topics of a process; kgo clients are safe
// for concurrent use, so publishes are not serialized.
type Broker struct {
	brokers []string
	group   string

	mu     sync.Mutex
	client *kgo.Client
	pc     producerClient
	ready  bool

	// knownTopics tracks topics already ensured, so Publish only pays
	// the CreateTopics round trip once per topic.
	topicsMu    sync.Mutex
	knownTopics map[string]bool
}

// New constructs an unconnected Broker. An empty broker list leaves the
// connector permanently un-ready (the process stays alive).
func New(brokers []string, group string) *Broker {
	if len(brokers) == 0 {
		slog.Warn("KAFKA_BROKERS not set; queue connector stays un-ready")
	}
	return &Broker{brokers: brokers, group: group, knownTopics: map[string]bool{}}
}

// Connect establishes and verifies the connection under the bounded
// connect schedule.
func (b *Broker) Connect(ctx context.Context) error {
	if len(b.brokers) == 0 {
		return ErrNotReady
	}
	_, err := retry.Do(ctx, retry.ConnectPolicy(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.tryInit(ctx)
	}, retry.WithNotify(func(err error, attempt int, next time.Duration) {
		logConnectFailure("queue connect failed", err, attempt, next)
	}))
	return err
}

// Init is idempotent: when ready it verifies the client with a metadata
// ping; on any failure the client is dropped and rebuilt under the
// unbounded reconnect schedule.
func (b *Broker) Init(ctx context.Context) error {
	if err := b.verify(ctx); err == nil {
		return nil
	} else if errors.Is(err, ErrNotReady) && len(b.brokers) == 0 {
		return err
	}
	_, err := retry.Do(ctx, retry.ReconnectPolicy(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.verify(ctx)
	}, retry.WithNotify(func(err error, attempt int, next time.Duration) {
		logConnectFailure("queue reconnect failed", err, attempt, next)
	}))
	return err
}

// verify pings the current client, or makes exactly one rebuild
// attempt. Bounded retry schedules compose this instead of Init so the
// caller's schedule stays in charge.
func (b *Broker) verify(ctx context.Context) error {
	b.mu.Lock()
	pc, ready := b.pc, b.ready
	b.mu.Unlock()
	if ready && pc != nil {
		if err := pc.Ping(ctx); err == nil {
			return nil
		}
		b.markDirty()
	}
	if len(b.brokers) == 0 {
		return ErrNotReady
	}
	return b.tryInit(ctx)
}

func (b *Broker) tryInit(ctx context.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		// Persistent delivery: every produce waits for all in-sync
		// replicas before the broker acknowledges it.
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.DialTimeout(10 * time.Second),
	)
	if err != nil {
		return fmt.Errorf("op=queue.client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("op=queue.ping: %w", err)
	}
	b.mu.Lock()
	if b.client != nil {
		b.client.Close()
	}
	b.client = client
	b.pc = client
	b.ready = true
	b.mu.Unlock()
	slog.Info("queue connected", slog.Any("brokers", b.brokers))
	return nil
}

func (b *Broker) markDirty() {
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
}

// Disconnect closes the client. Idempotent.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	if b.client != nil {
		b.client.Close()
	}
	b.client = nil
	b.pc = nil
	return nil
}

// Ready reports whether the last verification succeeded.
func (b *Broker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready && b.pc != nil
}

func (b *Broker) getProducer() producerClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil
	}
	return b.pc
}

// Depth reports the backlog of queue as the consumer group lag. A
// non-nil error means the depth is unknown.
func (b *Broker) Depth(ctx context.Context, queue string) (int64, error) {
	b.mu.Lock()
	client, ready := b.client, b.ready
	b.mu.Unlock()
	if !ready || client == nil {
		return 0, ErrNotReady
	}

	adm := kadm.NewClient(client)
	lags, err := adm.Lag(ctx, b.group)
	if err != nil {
		b.markDirty()
		return 0, fmt.Errorf("op=queue.lag: %w", err)
	}
	gl, ok := lags[b.group]
	if !ok {
		// Group has never committed; the whole topic is backlog.
		return b.topicEndSum(ctx, adm, queue)
	}
	if gl.FetchErr != nil {
		return 0, fmt.Errorf("op=queue.lag: %w", gl.FetchErr)
	}
	return gl.Lag.TotalByTopic()[queue].Lag, nil
}

func (b *Broker) topicEndSum(ctx context.Context, adm *kadm.Client, queue string) (int64, error) {
	ends, err := adm.ListEndOffsets(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("op=queue.end_offsets: %w", err)
	}
	var total int64
	ends.Each(func(o kadm.ListedOffset) {
		if o.Err == nil {
			total += o.Offset
		}
	})
	return total, nil
}

// ensureTopic creates the topic on first use; Kafka error code 36
// (already exists) is not a failure.
func (b *Broker) ensureTopic(ctx context.Context, topic string) {
	b.topicsMu.Lock()
	known := b.knownTopics[topic]
	b.topicsMu.Unlock()
	if known {
		return
	}
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}
	if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("topic create failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
		return
	}
	b.topicsMu.Lock()
	b.knownTopics[topic] = true
	b.topicsMu.Unlock()
}

func logConnectFailure(msg string, err error, attempt int, next time.Duration) {
	// DNS faults get a distinct message; they follow the same schedule.
	if err != nil && (strings.Contains(err.Error(), "no such host") || strings.Contains(err.Error(), "name resolution")) {
		slog.Error(msg+" (dns resolution)", slog.Int("attempt", attempt), slog.Duration("next_retry", next), slog.Any("error", err))
		return
	}
	slog.Warn(msg, slog.Int("attempt", attempt), slog.Duration("next_retry", next), slog.Any("error", err))
}
