package feed

import (
	"context"
	"log/slog"
)

// Handler processes a single activity event.
type Handler func(ctx context.Context, event Event) error

// Worker consumes queue events and hands them to a Handler.
type Worker struct {
	queue   Queue
	handler Handler
	logger  *slog.Logger
}

// NewWorker prepares a worker that drains the queue into handler.
func NewWorker(queue Queue, handler Handler, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, handler: handler, logger: logger}
}

// Run blocks until the context is cancelled or the queue is closed. Handler
// failures are logged and do not stop the worker.
func (w *Worker) Run(ctx context.Context) {
	if w.queue == nil || w.handler == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := w.handler(ctx, evt); err != nil {
				w.logger.Error("failed to handle activity event", "kind", evt.Kind, "id", evt.ID, "error", err)
			}
		}
	}
}

// LogHandler returns a Handler that records every event on logger.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, event Event) error {
		logger.InfoContext(ctx, "activity",
			"kind", event.Kind,
			"id", event.ID,
			"player_id", event.PlayerID,
			"channel_id", event.ChannelID,
			"occurred_at", event.OccurredAt,
		)
		return nil
	}
}
