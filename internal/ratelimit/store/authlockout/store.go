// Package authlockout persists login failure records in room storage.
// This store is pure I/O plus the atomic counter step; deciding whether a
// client is blocked belongs in the service.
package authlockout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hearth/internal/ratelimit/models"
	"hearth/internal/room/store"
)

type Store struct {
	kv store.Store
}

func New(kv store.Store) *Store {
	return &Store{kv: kv}
}

// Get returns nil when the client has no record.
func (s *Store) Get(ctx context.Context, clientKey string) (*models.AuthLockout, error) {
	record, found, err := store.GetJSON[models.AuthLockout](ctx, s.kv, models.LockoutKey(clientKey))
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// RecordFailure applies one failure atomically and returns the committed
// record.
func (s *Store) RecordFailure(ctx context.Context, clientKey string, now time.Time, window time.Duration) (*models.AuthLockout, error) {
	record, err := store.UpdateJSON(ctx, s.kv, models.LockoutKey(clientKey), func(l *models.AuthLockout, _ bool) error {
		l.ClientKey = clientKey
		l.RecordFailureAt(now, window)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Clear removes the record and returns what was removed, or nil when there
// was nothing to clear.
func (s *Store) Clear(ctx context.Context, clientKey string) (*models.AuthLockout, error) {
	var removed *models.AuthLockout
	_, err := store.Update(ctx, s.kv, models.LockoutKey(clientKey), func(current []byte, exists bool) ([]byte, error) {
		removed = nil
		if !exists {
			return nil, store.ErrSkipWrite
		}
		var l models.AuthLockout
		if err := json.Unmarshal(current, &l); err != nil {
			return nil, fmt.Errorf("decode lockout: %w", err)
		}
		removed = &l
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
