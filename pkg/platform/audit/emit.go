package audit

import (
	"context"
	"log/slog"

	"hearth/pkg/attrs"
	"hearth/pkg/requestcontext"
)

// LogAudit logs an audit event through the structured logger and hands it to
// the emitter. Subject, reason and actor are picked out of attrList by key.
// Either sink may be nil.
func LogAudit(ctx context.Context, logger *slog.Logger, emitter Emitter, event AuditEvent, attrList ...any) {
	requestID := requestcontext.RequestID(ctx)
	room := requestcontext.Room(ctx)
	if requestID != "" {
		attrList = append(attrList, "request_id", requestID)
	}

	if logger != nil {
		args := append(attrList, "event", string(event), "log_type", "audit")
		logger.InfoContext(ctx, string(event), args...)
	}
	if emitter == nil {
		return
	}

	err := emitter.Emit(ctx, Event{
		Category:  event.Category(),
		Timestamp: requestcontext.Now(ctx),
		Room:      room,
		Subject:   extractSubject(attrList),
		Action:    string(event),
		Reason:    attrs.ExtractString(attrList, "reason"),
		IP:        requestcontext.ClientIP(ctx),
		RequestID: requestID,
		ActorID:   attrs.ExtractString(attrList, "actor_id"),
	})
	if err != nil && logger != nil {
		logger.WarnContext(ctx, "audit emit failed", "event", string(event), "error", err)
	}
}

func extractSubject(attrList []any) string {
	for _, key := range []string{"profile_id", "client_key", "credential_id", "identifier"} {
		if val := attrs.ExtractString(attrList, key); val != "" {
			return val
		}
	}
	return ""
}
