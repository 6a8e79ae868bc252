package audit

import (
	"context"
	"log/slog"
	"time"
)

// Publisher hands events to a background worker. Emission is fail-open: a
// full inbox drops the event with a log line rather than slowing down or
// failing the request that produced it.
type Publisher struct {
	inbox  chan Event
	logger *slog.Logger
}

func NewPublisher(logger *slog.Logger, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		inbox:  make(chan Event, buffer),
		logger: logger,
	}
}

// Emit enqueues the event, stamping it if needed.
func (p *Publisher) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("audit inbox full, dropping event", "action", event.Action)
	}
}

// Worker consumes the publisher's inbox and persists events to the store.
type Worker struct {
	store  Store
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(store Store, publisher *Publisher, logger *slog.Logger) *Worker {
	return &Worker{store: store, inbox: publisher.inbox, logger: logger}
}

// Run processes events until ctx is cancelled. Store failures are logged
// and skipped; the audit trail is best effort by design here, unlike
// billing-grade trails.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				w.logger.Error("failed to append audit event",
					"error", err,
					"action", event.Action,
				)
			}
		}
	}
}
