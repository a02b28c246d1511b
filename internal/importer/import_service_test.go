package importer

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/domain"
	"github.com/dovos/conversation-archive/internal/format"
	"github.com/dovos/conversation-archive/internal/store"
)

// testFormat is a minimal registration that lets each test control exactly
// what conversations/messages Import sees, without depending on any real
// export shape.
const testFormat domain.SourceType = "testfmt"

type fakeConversation struct {
	sourceID  string
	updatedAt *time.Time
	extracted []domain.ExtractedMessage
}

func registryFor(convs ...fakeConversation) *format.Registry {
	r := format.NewRegistry()
	r.Register(format.Registration{
		Source: testFormat,
		Detect: func(payload interface{}) ([]interface{}, bool) {
			items, ok := payload.([]fakeConversation)
			if !ok {
				return nil, false
			}
			out := make([]interface{}, 0, len(items))
			for _, it := range items {
				out = append(out, it)
			}
			return out, true
		},
		Extract: func(conversation interface{}) ([]domain.ExtractedMessage, error) {
			c := conversation.(fakeConversation)
			return c.extracted, nil
		},
		SourceID: func(conversation interface{}) string {
			return conversation.(fakeConversation).sourceID
		},
		SourceUpdatedAt: func(conversation interface{}) *time.Time {
			return conversation.(fakeConversation).updatedAt
		},
	})
	return r
}

func newTestService(t *testing.T, reg *format.Registry) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	db := store.NewWithConn(conn, clk, logger)
	return New(db, reg, nil, nil, clk, logger, "test-model"), mock
}

func ptrTime(t time.Time) *time.Time { return &t }

// TestImport_CreatesNewConversationAndEnqueuesJobsInSameTransaction covers
// spec §4.C's outbox-atomicity requirement: the conversation, its messages,
// and their embedding jobs all commit (or roll back) as one unit.
func TestImport_CreatesNewConversationAndEnqueuesJobsInSameTransaction(t *testing.T) {
	conv := fakeConversation{
		sourceID: "src-1",
		extracted: []domain.ExtractedMessage{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "hi there"},
		},
	}
	svc, mock := newTestService(t, registryFor(conv))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_type")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "source_type", "source_id", "source_updated_at", "is_saved", "created_at", "updated_at"}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	result, err := svc.Import(context.Background(), []fakeConversation{conv})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 2, result.MessagesAdded)
	assert.Equal(t, 0, result.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestImport_SkipsWhenContentHashUnchanged covers spec §4.C's dedup-by-hash
// step: a previously imported conversation with identical message content
// is skipped outright, with no transaction opened at all.
func TestImport_SkipsWhenContentHashUnchanged(t *testing.T) {
	existingID := "11111111-1111-1111-1111-111111111111"
	conv := fakeConversation{
		sourceID: "src-1",
		extracted: []domain.ExtractedMessage{
			{Role: domain.RoleUser, Content: "hello"},
		},
	}
	svc, mock := newTestService(t, registryFor(conv))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_type")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "source_type", "source_id", "source_updated_at", "is_saved", "created_at", "updated_at"}).
			AddRow(existingID, "old title", string(testFormat), "src-1", nil, false, time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, conversation_id, role, content, metadata, created_at, updated_at")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "metadata", "created_at", "updated_at"}).
			AddRow("22222222-2222-2222-2222-222222222222", existingID, "user", "hello", []byte(`{}`), time.Now(), time.Now()))

	result, err := svc.Import(context.Background(), []fakeConversation{conv})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 0, result.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestImport_IncrementalUpdateAppendsOnlyNewMessages covers spec §4.C's
// incremental-update step: a conversation whose content changed (and whose
// source timestamp advanced) gets only its new messages appended, each
// still enqueuing its own embedding job, and the stored source_updated_at
// bumped.
func TestImport_IncrementalUpdateAppendsOnlyNewMessages(t *testing.T) {
	existingID := "11111111-1111-1111-1111-111111111111"
	older := ptrTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := ptrTime(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	conv := fakeConversation{
		sourceID:  "src-1",
		updatedAt: newer,
		extracted: []domain.ExtractedMessage{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "brand new reply"},
		},
	}
	svc, mock := newTestService(t, registryFor(conv))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_type")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "source_type", "source_id", "source_updated_at", "is_saved", "created_at", "updated_at"}).
			AddRow(existingID, "old title", string(testFormat), "src-1", *older, false, time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, conversation_id, role, content, metadata, created_at, updated_at")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "metadata", "created_at", "updated_at"}).
			AddRow("22222222-2222-2222-2222-222222222222", existingID, "user", "hello", []byte(`{}`), time.Now(), time.Now()))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT role, content FROM messages")).
		WillReturnRows(sqlmock.NewRows([]string{"role", "content"}).AddRow("user", "hello"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT max")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversations SET source_updated_at")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.Import(context.Background(), []fakeConversation{conv})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.MessagesAdded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestImport_SkipsWhenSourceTimestampNotStrictlyNewer covers the half of
// spec §4.C's incremental-update guard that isn't exercised by the
// hash-unchanged test: content differs (so the hash check alone wouldn't
// skip it) but the source never reports a newer updated_at, so the import
// is treated as stale and skipped rather than applied.
func TestImport_SkipsWhenSourceTimestampNotStrictlyNewer(t *testing.T) {
	existingID := "11111111-1111-1111-1111-111111111111"
	stored := ptrTime(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	conv := fakeConversation{
		sourceID:  "src-1",
		updatedAt: stored, // same instant as stored, not strictly newer
		extracted: []domain.ExtractedMessage{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "a message the existing hash never saw"},
		},
	}
	svc, mock := newTestService(t, registryFor(conv))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_type")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "source_type", "source_id", "source_updated_at", "is_saved", "created_at", "updated_at"}).
			AddRow(existingID, "old title", string(testFormat), "src-1", *stored, false, time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, conversation_id, role, content, metadata, created_at, updated_at")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "metadata", "created_at", "updated_at"}).
			AddRow("22222222-2222-2222-2222-222222222222", existingID, "user", "hello", []byte(`{}`), time.Now(), time.Now()))

	result, err := svc.Import(context.Background(), []fakeConversation{conv})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestImport_YouTubeTranscriptionJobEnqueuedAlongsideEmbeddingJob covers the
// supplemented YouTube watch-history job type: a message carrying a
// video_id in its extracted metadata enqueues both an embedding job and a
// transcription job, in the same unit of work.
func TestImport_YouTubeTranscriptionJobEnqueuedAlongsideEmbeddingJob(t *testing.T) {
	conv := fakeConversation{
		sourceID: "src-2",
		extracted: []domain.ExtractedMessage{
			{Role: domain.RoleUser, Content: "watched a video", Metadata: map[string]interface{}{"video_id": "abc123"}},
		},
	}
	svc, mock := newTestService(t, registryFor(conv))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_type")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "source_type", "source_id", "source_updated_at", "is_saved", "created_at", "updated_at"}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	result, err := svc.Import(context.Background(), []fakeConversation{conv})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestImport_RollsBackWholeConversationOnMessageInsertFailure covers
// outbox atomicity from the failure side: if any message insert in a
// conversation fails partway through, the whole unit of work rolls back
// rather than leaving a conversation with a partial message set.
func TestImport_RollsBackWholeConversationOnMessageInsertFailure(t *testing.T) {
	conv := fakeConversation{
		sourceID: "src-3",
		extracted: []domain.ExtractedMessage{
			{Role: domain.RoleUser, Content: "hello"},
		},
	}
	svc, mock := newTestService(t, registryFor(conv))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, source_type")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "source_type", "source_id", "source_updated_at", "is_saved", "created_at", "updated_at"}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	result, err := svc.Import(context.Background(), []fakeConversation{conv})
	assert.NoError(t, err) // Import itself never errors; failures accumulate on the result
	assert.Equal(t, 1, result.Failed)
	assert.NotEmpty(t, result.Errors)
	assert.Equal(t, 0, result.Imported)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestImport_UnknownFormatReturnsFormatDetectionError covers spec §7's
// format-detection failure path.
func TestImport_UnknownFormatReturnsFormatDetectionError(t *testing.T) {
	svc, _ := newTestService(t, format.NewRegistry())
	_, err := svc.Import(context.Background(), "not a recognized shape")
	assert.ErrorIs(t, err, domain.ErrFormatDetection)
}
