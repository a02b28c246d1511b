package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/domain"
)

// EmbeddingRepository persists and searches message_embeddings rows.
// Grounded on db/repositories/embedding_repository.py, including its
// approach of inlining the pgvector literal into the SQL text (the driver
// has no vector bind type) — safe here because the literal is built from
// floats the embedding oracle produced, never from unsanitized user input.
type EmbeddingRepository struct {
	q     querier
	clock clock.Clock
}

// Embeddings returns a repository bound directly to the pool.
func (d *DB) Embeddings() *EmbeddingRepository {
	return &EmbeddingRepository{q: d.conn, clock: d.clock}
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// CreateOrUpdate upserts the embedding for a message, idempotent on
// message_id (spec §4.A, §8 round-trip property).
func (r *EmbeddingRepository) CreateOrUpdate(ctx context.Context, messageID uuid.UUID, vector []float32, model string) (*domain.Embedding, error) {
	now := r.clock.Now()
	_, err := r.q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO message_embeddings (message_id, embedding, model, updated_at)
		VALUES ($1, '%s'::vector, $2, $3)
		ON CONFLICT (message_id) DO UPDATE
		SET embedding = EXCLUDED.embedding, model = EXCLUDED.model, updated_at = EXCLUDED.updated_at`,
		vectorLiteral(vector)), messageID, model, now)
	if err != nil {
		return nil, fmt.Errorf("store: create_or_update embedding: %w", err)
	}
	return &domain.Embedding{MessageID: messageID, Vector: vector, Model: model, UpdatedAt: now}, nil
}

// GetByMessageID fetches an embedding's metadata (not its raw vector, which
// callers rarely need back out) keyed by message.
func (r *EmbeddingRepository) GetByMessageID(ctx context.Context, messageID uuid.UUID) (*domain.Embedding, error) {
	var e domain.Embedding
	e.MessageID = messageID
	err := r.q.QueryRowContext(ctx, `
		SELECT model, updated_at FROM message_embeddings WHERE message_id = $1`,
		messageID).Scan(&e.Model, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrEmbeddingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get embedding: %w", err)
	}
	return &e, nil
}

// DeleteByMessageID removes an embedding.
func (r *EmbeddingRepository) DeleteByMessageID(ctx context.Context, messageID uuid.UUID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM message_embeddings WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("store: delete embedding: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrEmbeddingNotFound
	}
	return nil
}

// VectorMatch is one row of a vector similarity search.
type VectorMatch struct {
	MessageID        uuid.UUID
	ConversationID   uuid.UUID
	ConversationTitle string
	Role             string
	Content          string
	CreatedAt        time.Time
	Similarity       float64
}

// SearchSimilar performs cosine-distance vector search (spec §4.F step 2).
func (r *EmbeddingRepository) SearchSimilar(ctx context.Context, queryVector []float32, limit int, similarityThreshold float64, conversationID *uuid.UUID) ([]VectorMatch, error) {
	literal := vectorLiteral(queryVector)
	distanceThreshold := 1 - similarityThreshold

	query := fmt.Sprintf(`
		SELECT m.id, m.conversation_id, c.title, m.role, m.content, m.created_at,
		       1 - (e.embedding <=> '%s'::vector) AS similarity
		FROM message_embeddings e
		JOIN messages m ON m.id = e.message_id
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (e.embedding <=> '%s'::vector) < $1`, literal, literal)

	args := []interface{}{distanceThreshold}
	if conversationID != nil {
		query += " AND m.conversation_id = $2"
		args = append(args, *conversationID)
	}
	query += fmt.Sprintf(" ORDER BY e.embedding <=> '%s'::vector ASC LIMIT %d", literal, limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search similar: %w", err)
	}
	defer rows.Close()

	var out []VectorMatch
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.ConversationTitle, &m.Role, &m.Content, &m.CreatedAt, &m.Similarity); err != nil {
			return nil, fmt.Errorf("store: scan vector match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FTSMatch is one row of a full-text search.
type FTSMatch struct {
	MessageID        uuid.UUID
	ConversationID   uuid.UUID
	ConversationTitle string
	Role             string
	Content          string
	CreatedAt        time.Time
	Rank             float64
}

// SearchFTS performs ts_rank full-text search (spec §4.F step 2), exposed
// from MessageRepository's companion table but implemented here because it
// shares the hybrid-search SQL shape with SearchSimilar. useOrSyntax selects
// to_tsquery, which understands the "term | synonym" OR-operator syntax
// ExpandQuery produces; plainto_tsquery is used otherwise since it tolerates
// arbitrary punctuation in a raw, unexpanded query.
func (r *EmbeddingRepository) SearchFTS(ctx context.Context, tsQuery string, limit int, rankThreshold float64, conversationID *uuid.UUID, useOrSyntax bool) ([]FTSMatch, error) {
	tsFunc := "plainto_tsquery"
	if useOrSyntax {
		tsFunc = "to_tsquery"
	}
	query := fmt.Sprintf(`
		SELECT m.id, m.conversation_id, c.title, m.role, m.content, m.created_at,
		       ts_rank(m.search_vector, %s('english', $1)) AS rank
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.search_vector @@ %s('english', $1)`, tsFunc, tsFunc)
	args := []interface{}{tsQuery}
	if conversationID != nil {
		query += " AND m.conversation_id = $2"
		args = append(args, *conversationID)
	}
	query += fmt.Sprintf(" AND ts_rank(m.search_vector, %s('english', $1)) >= %f", tsFunc, rankThreshold)
	query += fmt.Sprintf(" ORDER BY rank DESC LIMIT %d", limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search fts: %w", err)
	}
	defer rows.Close()

	var out []FTSMatch
	for rows.Next() {
		var m FTSMatch
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.ConversationTitle, &m.Role, &m.Content, &m.CreatedAt, &m.Rank); err != nil {
			return nil, fmt.Errorf("store: scan fts match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CoverageStats mirrors the embedding_coverage view, a supplemented feature
// from db/repositories/embedding_repository.py (SPEC_FULL §3).
type CoverageStats struct {
	TotalMessages    int
	EmbeddedMessages int
	CoveragePercent  float64
	StaleEmbeddings  int
}

// GetCoverageStats reads the embedding_coverage view.
func (r *EmbeddingRepository) GetCoverageStats(ctx context.Context) (CoverageStats, error) {
	var s CoverageStats
	err := r.q.QueryRowContext(ctx, `
		SELECT total_messages, embedded_messages, coverage_percent, stale_embeddings
		FROM embedding_coverage`).Scan(&s.TotalMessages, &s.EmbeddedMessages, &s.CoveragePercent, &s.StaleEmbeddings)
	if err != nil {
		return s, fmt.Errorf("store: coverage stats: %w", err)
	}
	return s, nil
}

// GetModelStats groups embedding counts by model, used when deciding
// whether a re-embedding migration is needed after a model change.
func (r *EmbeddingRepository) GetModelStats(ctx context.Context) (map[string]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT model, count(*) FROM message_embeddings GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("store: model stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var model string
		var count int
		if err := rows.Scan(&model, &count); err != nil {
			return nil, fmt.Errorf("store: scan model stats: %w", err)
		}
		out[model] = count
	}
	return out, rows.Err()
}

// DeleteByModel removes every embedding produced by a given model, returning
// the count deleted, for re-embedding migrations.
func (r *EmbeddingRepository) DeleteByModel(ctx context.Context, model string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM message_embeddings WHERE model = $1`, model)
	if err != nil {
		return 0, fmt.Errorf("store: delete by model: %w", err)
	}
	return res.RowsAffected()
}
