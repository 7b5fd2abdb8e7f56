// Package room owns the per-room state of the gateway: scoped storage, the
// replicated document, connected peers and the services that act on them.
// Rooms share nothing, so requests to different rooms never contend.
package room

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"hearth/internal/crdt"
	"hearth/internal/invite"
	"hearth/internal/passkey"
	"hearth/internal/platform/metrics"
	"hearth/internal/profile"
	lockoutService "hearth/internal/ratelimit/service/authlockout"
	"hearth/internal/room/store"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/platform/sentinel"
)

const docStateKey = "doc:state"

type Room struct {
	Name       string
	Store      store.Store
	Document   *crdt.Document
	Hub        *Hub
	Profiles   *profile.Directory
	Invites    *invite.Authority
	Lockout    *lockoutService.Service
	Ceremonies *passkey.Manager

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// hydrate loads the durable document state written by Apply.
func (r *Room) hydrate(ctx context.Context) error {
	entry, err := r.Store.Get(ctx, docStateKey)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return err
	}
	return r.Document.ApplyUpdate(entry.Value)
}

// Apply merges an update frame from peer (nil for server-side writes) into
// durable storage and then into the live document, and relays whatever
// changed to the other peers.
func (r *Room) Apply(ctx context.Context, frame []byte, from *Peer) error {
	if _, err := crdt.Decode(frame); err != nil {
		r.metrics.ObserveSyncUpdate("rejected")
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed update")
	}

	_, err := store.Update(ctx, r.Store, docStateKey, func(current []byte, _ bool) ([]byte, error) {
		merged, err := crdt.Merge(current, frame)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(merged, current) {
			return nil, store.ErrSkipWrite
		}
		return merged, nil
	})
	if err != nil {
		r.metrics.ObserveSyncUpdate("error")
		if errors.Is(err, crdt.ErrMalformedUpdate) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "stored document is corrupt")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist update")
	}

	delta, err := r.Document.Apply(frame)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed update")
	}
	if delta == nil {
		r.metrics.ObserveSyncUpdate("noop")
		return nil
	}
	r.metrics.ObserveSyncUpdate("applied")
	r.Hub.Broadcast(delta, from)
	return nil
}
