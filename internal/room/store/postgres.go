package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"hearth/pkg/platform/sentinel"
)

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS room_entries (
	key     TEXT PRIMARY KEY,
	value   BYTEA NOT NULL,
	version BIGINT NOT NULL
)`

// PostgresStore keeps entries in one table; CompareAndSwap is a conditional
// UPDATE (or INSERT ... ON CONFLICT DO NOTHING for absent keys).
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate room_entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Entry, error) {
	var (
		value   []byte
		version int64
	)
	err := s.db.QueryRow(ctx, `SELECT value, version FROM room_entries WHERE key = $1`, key).Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return Entry{Value: value, Version: uint64(version)}, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO room_entries (key, value, version) VALUES ($1, $2, 1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = room_entries.version + 1`,
		key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (Entry, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case value == nil && expected == 0:
		if _, err := s.Get(ctx, key); errors.Is(err, sentinel.ErrNotFound) {
			return Entry{}, nil
		}
		return Entry{}, sentinel.ErrConflict
	case value == nil:
		tag, err = s.db.Exec(ctx, `DELETE FROM room_entries WHERE key = $1 AND version = $2`, key, int64(expected))
	case expected == 0:
		tag, err = s.db.Exec(ctx, `INSERT INTO room_entries (key, value, version) VALUES ($1, $2, 1) ON CONFLICT (key) DO NOTHING`, key, value)
	default:
		tag, err = s.db.Exec(ctx, `UPDATE room_entries SET value = $2, version = version + 1 WHERE key = $1 AND version = $3`, key, value, int64(expected))
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cas %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return Entry{}, sentinel.ErrConflict
	}
	if value == nil {
		return Entry{}, nil
	}
	return Entry{Value: value, Version: expected + 1}, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM room_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
