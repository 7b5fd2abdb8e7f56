// Package store is the durable key-value storage owned by a room.
//
// Every backend offers versioned compare-and-swap so that read-modify-write
// sequences (invite redemption, lockout counters, profile mutation) cannot
// lose updates when requests to the same room interleave.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hearth/pkg/platform/sentinel"
)

// Entry is a stored value with its version. Version 0 means absent.
type Entry struct {
	Value   []byte
	Version uint64
}

// Store is implemented by the memory, Redis and Postgres backends.
type Store interface {
	// Get returns sentinel.ErrNotFound when key is absent.
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes unconditionally.
	Put(ctx context.Context, key string, value []byte) error
	// CompareAndSwap writes value only if the current version equals
	// expected (0 for absent). A nil value deletes the key. A lost race
	// returns sentinel.ErrConflict.
	CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (Entry, error)
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ErrSkipWrite returned from an UpdateFunc ends Update without writing.
var ErrSkipWrite = errors.New("skip write")

const maxUpdateAttempts = 8

// UpdateFunc computes the next value from the current one. Returning a nil
// slice deletes the key.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Update runs fn against the current value and commits the result with
// CompareAndSwap, retrying when a concurrent writer wins.
func Update(ctx context.Context, s Store, key string, fn UpdateFunc) (Entry, error) {
	for range maxUpdateAttempts {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		current, err := s.Get(ctx, key)
		exists := true
		if errors.Is(err, sentinel.ErrNotFound) {
			exists = false
			current = Entry{}
		} else if err != nil {
			return Entry{}, err
		}

		next, err := fn(current.Value, exists)
		if errors.Is(err, ErrSkipWrite) {
			return current, nil
		}
		if err != nil {
			return Entry{}, err
		}
		if next == nil && !exists {
			return Entry{}, nil
		}

		updated, err := s.CompareAndSwap(ctx, key, current.Version, next)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return Entry{}, err
		}
		return updated, nil
	}
	return Entry{}, fmt.Errorf("update %s: %w", key, sentinel.ErrConflict)
}

// GetJSON decodes the value at key into a T. Absent keys yield the zero T
// and found=false.
func GetJSON[T any](ctx context.Context, s Store, key string) (value T, found bool, err error) {
	entry, err := s.Get(ctx, key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return value, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return value, true, nil
}

// UpdateJSON is Update for JSON documents: fn mutates the decoded value in
// place and the result is re-encoded. The returned T is what was committed.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(v *T, exists bool) error) (T, error) {
	var committed T
	_, err := Update(ctx, s, key, func(current []byte, exists bool) ([]byte, error) {
		var v T
		if exists {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if err := fn(&v, exists); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				committed = v
			}
			return nil, err
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		committed = v
		return encoded, nil
	})
	return committed, err
}

// PutJSON encodes v and writes it unconditionally.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, encoded)
}

// Scoped namespaces every key with prefix, giving each room its own keyspace
// on a shared backend.
type Scoped struct {
	inner  Store
	prefix string
}

func NewScoped(inner Store, prefix string) *Scoped {
	return &Scoped{inner: inner, prefix: prefix}
}

func (s *Scoped) Get(ctx context.Context, key string) (Entry, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *Scoped) Put(ctx context.Context, key string, value []byte) error {
	return s.inner.Put(ctx, s.prefix+key, value)
}

func (s *Scoped) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (Entry, error) {
	return s.inner.CompareAndSwap(ctx, s.prefix+key, expected, value)
}

func (s *Scoped) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}
