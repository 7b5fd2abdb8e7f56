package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/pkg/platform/sentinel"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStore(mock), mock
}

func TestPostgresStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT value, version FROM room_entries WHERE key = \$1`).
			WithArgs("room:household:invites").
			WillReturnRows(pgxmock.NewRows([]string{"value", "version"}).AddRow([]byte(`["A"]`), int64(4)))

		e, err := s.Get(ctx, "room:household:invites")
		require.NoError(t, err)
		assert.Equal(t, `["A"]`, string(e.Value))
		assert.Equal(t, uint64(4), e.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing maps to ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT value, version FROM room_entries`).
			WithArgs("k").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}

func TestPostgresStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()

	t.Run("insert when absent", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO room_entries .* ON CONFLICT \(key\) DO NOTHING`).
			WithArgs("k", []byte("v")).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		e, err := s.CompareAndSwap(ctx, "k", 0, []byte("v"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), e.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conditional update", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE room_entries SET value = \$2, version = version \+ 1 WHERE key = \$1 AND version = \$3`).
			WithArgs("k", []byte("v2"), int64(3)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		e, err := s.CompareAndSwap(ctx, "k", 3, []byte("v2"))
		require.NoError(t, err)
		assert.Equal(t, uint64(4), e.Version)
	})

	t.Run("lost race reports conflict", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE room_entries`).
			WithArgs("k", []byte("v2"), int64(3)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		_, err := s.CompareAndSwap(ctx, "k", 3, []byte("v2"))
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("conditional delete", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`DELETE FROM room_entries WHERE key = \$1 AND version = \$2`).
			WithArgs("k", int64(2)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		_, err := s.CompareAndSwap(ctx, "k", 2, nil)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS room_entries`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
