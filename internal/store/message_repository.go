package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/domain"
)

// MessageRepository persists Message rows and enforces the ordering
// invariant in spec §3: per-conversation order is (created_at,
// metadata.sequence, id).
type MessageRepository struct {
	q     querier
	clock clock.Clock
}

// Messages returns a repository bound directly to the pool for read-only
// callers.
func (d *DB) Messages() *MessageRepository {
	return &MessageRepository{q: d.conn, clock: d.clock}
}

// Create inserts a new message.
func (r *MessageRepository) Create(ctx context.Context, m *domain.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if !m.Role.IsValid() {
		return domain.ErrInvalidRole
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.clock.Now()
	}
	m.UpdatedAt = r.clock.Now()
	if m.Metadata == nil {
		m.Metadata = domain.Metadata{}
	}

	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal message metadata: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, metaJSON, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	return nil
}

// GetByID fetches one message.
func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, metadata, created_at, updated_at
		FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// GetByConversation returns every message of a conversation ordered by
// (created_at, metadata.sequence, id) — spec §4.A's required ordering,
// also relied on by Contextual Retrieval's window construction.
func (r *MessageRepository) GetByConversation(ctx context.Context, conversationID uuid.UUID) ([]*domain.Message, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, metadata, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, (metadata->>'sequence')::int NULLS FIRST, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: get messages by conversation: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest metadata.sequence value recorded for a
// conversation, used to assign new sequences starting at max+1 during
// incremental update (spec §4.C step 4c).
func (r *MessageRepository) MaxSequence(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var max sql.NullInt64
	err := r.q.QueryRowContext(ctx, `
		SELECT max((metadata->>'sequence')::int) FROM messages WHERE conversation_id = $1`,
		conversationID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: max sequence: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// ExistingContentKeys returns the set of 16-char content hashes already
// stored for a conversation's messages, used by the incremental-update
// dedup step (spec §4.C step 4c).
func (r *MessageRepository) ExistingContentKeys(ctx context.Context, conversationID uuid.UUID) (map[string]bool, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT role, content FROM messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: existing content keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("store: scan content key: %w", err)
		}
		keys[domain.Message{Role: domain.MessageRole(role), Content: content}.Key()] = true
	}
	return keys, rows.Err()
}

// UpdateMetadata overwrites a message's metadata bag, used by the YouTube
// transcription worker to attach transcript fields after the fact.
func (r *MessageRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata domain.Metadata) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal message metadata: %w", err)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE messages SET metadata = $2, updated_at = $3 WHERE id = $1`,
		id, metaJSON, r.clock.Now())
	if err != nil {
		return fmt.Errorf("store: update message metadata: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// Delete removes a message; ON DELETE CASCADE removes its embedding.
func (r *MessageRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func scanMessage(row *sql.Row) (*domain.Message, error) {
	return scanMessageScanner(row)
}

func scanMessageRows(rows *sql.Rows) (*domain.Message, error) {
	return scanMessageScanner(rows)
}

func scanMessageScanner(s rowScanner) (*domain.Message, error) {
	var m domain.Message
	var role string
	var metaJSON []byte
	if err := s.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &metaJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	m.Role = domain.MessageRole(role)
	m.Metadata = domain.Metadata{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal message metadata: %w", err)
		}
	}
	return &m, nil
}
