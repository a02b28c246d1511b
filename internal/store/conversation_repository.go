package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/domain"
)

// ConversationRepository persists Conversation rows.
type ConversationRepository struct {
	q     querier
	clock clock.Clock
}

// Conversations returns a repository bound directly to the pool, for
// read-only callers (Search Service, Contextual Retrieval) that do not need
// a transactional scope.
func (d *DB) Conversations() *ConversationRepository {
	return &ConversationRepository{q: d.conn, clock: d.clock}
}

// Create inserts a new conversation.
func (r *ConversationRepository) Create(ctx context.Context, c *domain.Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := r.clock.Now()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO conversations (id, title, source_type, source_id, source_updated_at, is_saved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Title, string(c.SourceType), c.SourceID, c.SourceUpdatedAt, c.IsSaved, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create conversation: %w", err)
	}
	return nil
}

// GetByID fetches a conversation by primary key.
func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, title, source_type, source_id, source_updated_at, is_saved, created_at, updated_at
		FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

// GetBySource fetches a conversation by its (source_type, source_id) unique
// key, used by the Import Service's dedup/incremental-update decision.
func (r *ConversationRepository) GetBySource(ctx context.Context, sourceType domain.SourceType, sourceID string) (*domain.Conversation, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, title, source_type, source_id, source_updated_at, is_saved, created_at, updated_at
		FROM conversations WHERE source_type = $1 AND source_id = $2`, string(sourceType), sourceID)
	return scanConversation(row)
}

// ListBySourceType returns every conversation imported from a given format,
// used by the Import Service to build its in-memory existing-conversations
// map (spec §4.C step 3).
func (r *ConversationRepository) ListBySourceType(ctx context.Context, sourceType domain.SourceType) ([]*domain.Conversation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, title, source_type, source_id, source_updated_at, is_saved, created_at, updated_at
		FROM conversations WHERE source_type = $1`, string(sourceType))
	if err != nil {
		return nil, fmt.Errorf("store: list conversations by source: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateSourceUpdatedAt bumps the stored source timestamp after an
// incremental update appends new messages.
func (r *ConversationRepository) UpdateSourceUpdatedAt(ctx context.Context, id uuid.UUID, sourceUpdatedAt time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE conversations SET source_updated_at = $2, updated_at = $3 WHERE id = $1`,
		id, sourceUpdatedAt, r.clock.Now())
	if err != nil {
		return fmt.Errorf("store: update conversation source_updated_at: %w", err)
	}
	return nil
}

// Delete removes a conversation; ON DELETE CASCADE handles messages and
// embeddings.
func (r *ConversationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// ConversationSummary is the row shape of the conversation_summaries view.
type ConversationSummary struct {
	ID                 uuid.UUID
	Title              string
	MessageCount       int
	EarliestMessageAt  *time.Time
	LatestMessageAt    *time.Time
	Preview            *string
}

// Summaries reads the conversation_summaries view (spec §4.A).
func (r *ConversationRepository) Summaries(ctx context.Context, limit int) ([]ConversationSummary, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, title, message_count, earliest_message_at, latest_message_at, preview
		FROM conversation_summaries
		ORDER BY latest_message_at DESC NULLS LAST
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: conversation summaries: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.MessageCount, &s.EarliestMessageAt, &s.LatestMessageAt, &s.Preview); err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row *sql.Row) (*domain.Conversation, error) {
	return scanConversationScanner(row)
}

func scanConversationRows(rows *sql.Rows) (*domain.Conversation, error) {
	return scanConversationScanner(rows)
}

func scanConversationScanner(s rowScanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var sourceType string
	if err := s.Scan(&c.ID, &c.Title, &sourceType, &c.SourceID, &c.SourceUpdatedAt, &c.IsSaved, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("store: scan conversation: %w", err)
	}
	c.SourceType = domain.SourceType(sourceType)
	return &c, nil
}
