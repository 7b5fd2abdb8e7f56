// Package logstore writes audit events to the structured logger. It is the
// default sink when no broker is configured.
package logstore

import (
	"context"
	"log/slog"

	audit "hearth/pkg/platform/audit"
)

type Store struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Store {
	return &Store{logger: logger}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("category", string(event.Category)),
		slog.String("action", event.Action),
		slog.String("room", event.Room),
		slog.String("subject", event.Subject),
		slog.String("actor_id", event.ActorID),
		slog.String("reason", event.Reason),
		slog.String("ip", event.IP),
		slog.String("request_id", event.RequestID),
		slog.Time("timestamp", event.Timestamp),
	)
	return nil
}
