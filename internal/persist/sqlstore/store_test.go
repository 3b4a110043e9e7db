package sqlstore

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"qazna.org/adminauth/internal/persist"
	"qazna.org/adminauth/internal/persist/porttest"
)

func TestPostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db, Postgres)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`insert into kv_records(collection, record_key, value, updated_at) values ($1, $2, $3, $4)`)).
		WithArgs("users", "U1", `{"id":"U1"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Put(ctx, "users", "U1", []byte(`{"id":"U1"}`)))

	mock.ExpectQuery(regexp.QuoteMeta(`select value from kv_records where collection = $1 and record_key = $2`)).
		WithArgs("users", "U1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"id":"U1"}`)))
	got, err := s.Get(ctx, "users", "U1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"U1"}`, string(got))

	mock.ExpectQuery(`select value from kv_records`).
		WithArgs("users", "U2").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, err = s.Get(ctx, "users", "U2")
	require.ErrorIs(t, err, persist.ErrNotFound)

	mock.ExpectQuery(regexp.QuoteMeta(`select record_key, value from kv_records where collection = $1 order by record_key collate "C"`)).
		WithArgs("sessions").
		WillReturnRows(sqlmock.NewRows([]string{"record_key", "value"}).
			AddRow("a", []byte(`{"user_id":"U1"}`)).
			AddRow("b", []byte(`{"user_id":"U2"}`)))
	recs, err := s.Scan(ctx, "sessions", persist.FieldEquals("user_id", "U2"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "b", recs[0].Key)

	mock.ExpectExec(regexp.QuoteMeta(`delete from kv_records where collection = $1 and record_key = $2`)).
		WithArgs("sessions", "a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Delete(ctx, "sessions", "a"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMissingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db, Postgres)

	mock.ExpectQuery(`select record_key, value from kv_records`).
		WillReturnError(&pgconn.PgError{Code: pgErrUndefinedTable, Message: "relation does not exist"})
	_, err = s.Scan(context.Background(), "roles", nil)
	require.ErrorIs(t, err, ErrSchemaMissing)
}

func TestSQLiteBindVars(t *testing.T) {
	require.Equal(t, "?", SQLite.BindVar(3))
	require.Equal(t, "$3", Postgres.BindVar(3))
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	require.Equal(t, Postgres, d)
	_, err = ParseDialect("mysql")
	require.Error(t, err)
}

func TestSQLitePort(t *testing.T) {
	porttest.Run(t, func(t *testing.T) persist.Port {
		s, err := Open(SQLite, filepath.Join(t.TempDir(), "kv.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, s.Migrate(context.Background()))
		return s
	})
}

func TestSQLiteMigrateIdempotent(t *testing.T) {
	s, err := Open(SQLite, filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Scan(ctx, "roles", nil)
	require.ErrorIs(t, err, ErrSchemaMissing)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))
}
