package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgresLedger(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return OpenPostgresLedger(db, nil), mock
}

func TestPostgresAppendLocksTail(t *testing.T) {
	l, mock := newMockPostgresLedger(t)
	l.WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) })

	// The tail read MUST take a row lock so concurrent replicas serialize
	// on seq allocation.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT seq, entry_hash FROM ledger_entries ORDER BY seq DESC LIMIT 1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "entry_hash"}).AddRow(4, "sha256:prev"))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs(uint64(5), "a1", "payments", "SUBMISSION",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "sha256:prev", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := l.Append(context.Background(), submissionEvent("a1", "payments"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), entry.Seq)
	assert.Equal(t, "sha256:prev", entry.PrevHash)
	assert.Equal(t, entryHash("sha256:prev", entry.PayloadHash, 5), entry.EntryHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEmptyLedgerStartsAtGenesis(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT seq, entry_hash FROM ledger_entries`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := l.Append(context.Background(), submissionEvent("a1", "payments"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Seq)
	assert.Equal(t, GenesisHash, entry.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendInsertFailureIsAppendFailed(t *testing.T) {
	l, mock := newMockPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT seq, entry_hash FROM ledger_entries`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := l.Append(context.Background(), submissionEvent("a1", "payments"))
	assert.ErrorIs(t, err, ErrAppendFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
