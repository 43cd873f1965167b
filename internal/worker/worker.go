package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/domain"
)

// drainGrace bounds the wait for a cancelled run to unwind. A run still
// flushing its terminal status after this is abandoned; its uncommitted
// offset redelivers the task elsewhere.
const drainGrace = time.Second

// Worker ties the consume loop, the presence loop, and the handler into
// one process lifecycle. Delivery is at least once: a task whose offset
// could not be committed during shutdown is re-run elsewhere.
type Worker struct {
	workerID        string
	inputQueue      string
	shutdownTimeout time.Duration

	broker   domain.Broker
	presence *Presence
	handler  *Handler

	startOnce sync.Once
	stopOnce  sync.Once

	consumeCancel context.CancelFunc
	taskCancel    context.CancelFunc
	inflight      sync.WaitGroup
	done          chan struct{}
	consumeErr    error
}

// New constructs a Worker.
func New(workerID, inputQueue string, shutdownTimeout time.Duration, broker domain.Broker, presence *Presence, handler *Handler) *Worker {
	return &Worker{
		workerID:        workerID,
		inputQueue:      inputQueue,
		shutdownTimeout: shutdownTimeout,
		broker:          broker,
		presence:        presence,
		handler:         handler,
		done:            make(chan struct{}),
	}
}

// Start launches the presence and consume loops. Idempotent; the first
// call wins.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		consumeCtx, consumeCancel := context.WithCancel(ctx)
		taskCtx, taskCancel := context.WithCancel(context.WithoutCancel(ctx))
		w.consumeCancel = consumeCancel
		w.taskCancel = taskCancel

		go w.presence.Run(consumeCtx)

		// In-flight runs detach from the poll context so cancelling the
		// consume loop does not abort a mandate mid-tick.
		handle := func(_ context.Context, body []byte) error {
			w.inflight.Add(1)
			defer w.inflight.Done()
			return w.handler.HandleMessage(taskCtx, body)
		}

		go func() {
			defer close(w.done)
			err := w.broker.Consume(consumeCtx, w.inputQueue, handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				w.consumeErr = err
				slog.Error("consume loop exited", slog.String("worker_id", w.workerID), slog.Any("error", err))
				return
			}
			slog.Info("consume loop stopped", slog.String("worker_id", w.workerID))
		}()
		slog.Info("worker started",
			slog.String("worker_id", w.workerID),
			slog.String("queue", w.inputQueue))
	})
}

// Wait blocks until the consume loop exits and returns its error.
func (w *Worker) Wait() error {
	<-w.done
	return w.consumeErr
}

// Stop drains the worker: no new messages, the in-flight run gets the
// shutdown timeout to finish, then it is cancelled and given a short
// grace to unwind; after that the teardown force-progresses. Presence
// is removed last so the registry only loses the worker once it is
// truly gone.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		slog.Info("worker stopping", slog.String("worker_id", w.workerID))
		w.presence.SetStatus(ctx, domain.WorkerWaiting)
		w.consumeCancel()

		drained := make(chan struct{})
		go func() {
			w.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(w.shutdownTimeout):
			slog.Warn("shutdown timeout, cancelling in-flight run",
				slog.String("worker_id", w.workerID))
			w.taskCancel()
			w.awaitDrain(drained)
		case <-ctx.Done():
			w.taskCancel()
			w.awaitDrain(drained)
		}
		w.taskCancel()

		w.presence.Shutdown(ctx)
		if err := w.broker.Disconnect(); err != nil {
			slog.Warn("broker disconnect failed", slog.Any("error", err))
		}
		slog.Info("worker stopped", slog.String("worker_id", w.workerID))
	})
}

// awaitDrain waits briefly for the cancelled run to exit. A resilient
// terminal publish against a dead broker would otherwise hold the
// teardown for its whole deadline.
func (w *Worker) awaitDrain(drained <-chan struct{}) {
	select {
	case <-drained:
	case <-time.After(drainGrace):
		slog.Warn("in-flight run still flushing terminal status, abandoning",
			slog.String("worker_id", w.workerID))
	}
}
