package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/domain"
)

func newTestDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return &DB{conn: conn, clock: clk}, mock
}

func TestJobRepository_Enqueue_DefaultsNotBeforeToNow(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := db.Jobs().Enqueue(context.Background(), domain.JobKindGenerateEmbedding, map[string]interface{}{"message_id": "abc"}, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_DequeueNext_NoEligibleRows(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'running'")).
		WillReturnError(sql.ErrNoRows)

	job, err := db.Jobs().DequeueNext(context.Background(), []string{domain.JobKindGenerateEmbedding}, 5)
	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobRepository_DequeueNext_ClaimsOldestEligibleJob(t *testing.T) {
	db, mock := newTestDB(t)
	now := db.clock.Now()
	rows := sqlmock.NewRows([]string{"id", "kind", "payload", "status", "attempts", "not_before", "created_at", "updated_at"}).
		AddRow(int64(1), domain.JobKindGenerateEmbedding, []byte(`{"message_id":"abc"}`), "running", 1, now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status = 'running'")).WillReturnRows(rows)

	job, err := db.Jobs().DequeueNext(context.Background(), nil, 5)
	assert.NoError(t, err)
	assert.NotNil(t, job)
	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, domain.JobRunning, job.Status)
	assert.Equal(t, "abc", job.Payload["message_id"])
}

func TestJobRepository_MarkFailed_ReschedulesWithBackoffUnderAttemptBudget(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT attempts FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = 'pending'")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.Jobs().MarkFailed(context.Background(), 1, 1, 5)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_MarkFailed_TerminalAtMaxAttempts(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT attempts FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(5))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = 'failed'")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.Jobs().MarkFailed(context.Background(), 1, 1, 5)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_MarkFailed_UnknownJobReturnsNotFound(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT attempts FROM jobs")).
		WillReturnError(sql.ErrNoRows)

	err := db.Jobs().MarkFailed(context.Background(), 999, 1, 5)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
