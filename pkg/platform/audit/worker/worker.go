package worker

import (
	"context"
	"log/slog"

	audit "hearth/pkg/platform/audit"
)

// Worker drains an inbox of audit events into a store. Run returns when the
// inbox is closed and empty, or when ctx is cancelled.
type Worker struct {
	store  audit.Store
	inbox  <-chan audit.Event
	logger *slog.Logger
}

func NewWorker(store audit.Store, inbox <-chan audit.Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			// A failing sink must not stall the request path feeding the inbox.
			if err := w.store.Append(ctx, event); err != nil {
				w.logger.WarnContext(ctx, "audit append failed", "action", event.Action, "error", err)
			}
		}
	}
}
