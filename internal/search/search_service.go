package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dovos/conversation-archive/internal/cache"
	"github.com/dovos/conversation-archive/internal/embedder"
	"github.com/dovos/conversation-archive/internal/store"
)

// resultCacheTTL bounds how long a query's ranked hits are trusted before
// re-running the pipeline; short enough that a freshly imported message
// becomes searchable within one cache generation.
const resultCacheTTL = 2 * time.Minute

// Result is one ranked hit returned by Search, carrying the component
// scores a caller (or the evaluation harness) may want to inspect.
type Result struct {
	MessageID         uuid.UUID
	ConversationID    uuid.UUID
	ConversationTitle string
	Role              string
	Content           string
	CreatedAt         time.Time

	FTSRank    float64
	Similarity float64
	FTSNorm    float64
	VecNorm    float64
	Score      float64
}

// Service implements the hybrid FTS+vector Search Service (spec §4.F).
type Service struct {
	db       *store.DB
	oracle   embedder.Oracle
	registry *Registry
	logger   *logrus.Logger
	cache    *cache.CacheManager
}

// New builds a Search Service with no result cache; use WithCache to attach
// one after construction.
func New(db *store.DB, oracle embedder.Oracle, logger *logrus.Logger) *Service {
	return &Service{db: db, oracle: oracle, registry: NewRegistry(), logger: logger}
}

// WithCache attaches a result cache, keyed by a hash of the query text, the
// conversation filter and the ranking config so two distinct strategies over
// the same query never collide. Returns the receiver for chaining at construction time.
func (s *Service) WithCache(cm *cache.CacheManager) *Service {
	s.cache = cm
	return s
}

// Registry exposes the named-strategy table, e.g. for a CLI flag that picks
// a strategy by name.
func (s *Service) Registry() *Registry { return s.registry }

// Search runs the hybrid pipeline: dual FTS+vector retrieval, score fusion,
// optional boost processors, optional quality cutoff, truncated to
// cfg.MaxResults.
func (s *Service) Search(ctx context.Context, query string, cfg Config, conversationID *uuid.UUID) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: empty query")
	}

	cacheKey := s.resultCacheKey(query, cfg, conversationID)
	if s.cache != nil {
		var cached []Result
		opts := &cache.CacheOptions{TTL: resultCacheTTL, StampedeProtect: true}
		if err := s.cache.Get(ctx, cacheKey, &cached, opts); err == nil {
			return cached, nil
		}
	}

	expanded := query
	expandedForOr := false
	if cfg.EnableQueryExpansion {
		if e := ExpandQuery(query); e != query {
			expanded = e
			expandedForOr = true
		}
	}

	var ftsMatches []store.FTSMatch
	var vecMatches []store.VectorMatch
	var ftsErr, vecErr error

	if cfg.FTSWeight > 0 {
		ftsMatches, ftsErr = s.db.Embeddings().SearchFTS(ctx, expanded, cfg.MaxFTSResults, cfg.FTSRankThreshold, conversationID, expandedForOr)
	}
	if cfg.VectorWeight > 0 {
		vector, err := s.oracle.Embed(ctx, query)
		if err != nil {
			vecErr = fmt.Errorf("search: embed query: %w", err)
		} else {
			vecMatches, vecErr = s.db.Embeddings().SearchSimilar(ctx, vector, cfg.MaxVectorResults, cfg.VectorSimilarityThreshold, conversationID)
		}
	}
	if ftsErr != nil {
		return nil, ftsErr
	}
	if vecErr != nil {
		return nil, vecErr
	}

	byID := make(map[uuid.UUID]*Result)
	for _, m := range ftsMatches {
		byID[m.MessageID] = &Result{
			MessageID: m.MessageID, ConversationID: m.ConversationID, ConversationTitle: m.ConversationTitle,
			Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt, FTSRank: m.Rank,
		}
	}
	for _, m := range vecMatches {
		r, ok := byID[m.MessageID]
		if !ok {
			r = &Result{
				MessageID: m.MessageID, ConversationID: m.ConversationID, ConversationTitle: m.ConversationTitle,
				Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt,
			}
			byID[m.MessageID] = r
		}
		r.Similarity = m.Similarity
	}

	now := s.db.Clock().Now()
	results := make([]Result, 0, len(byID))
	for _, r := range byID {
		r.FTSNorm = ftsNorm(r.FTSRank)
		r.VecNorm = vecNorm(r.Similarity)
		score := cfg.FTSWeight*r.FTSNorm + cfg.VectorWeight*r.VecNorm

		if cfg.EnablePhraseMatching {
			score = PhraseMatchBoost(score, query, r.Content, cfg.PhraseBoost)
		}
		if cfg.EnableExactSubstringBoost {
			score = ExactMatchBoost(score, query, r.Content, cfg.ExactSubstringBoost)
		}
		if cfg.EnableRecencyBoost {
			score = ApplyRecencyBoost(score, cfg.RecencyConfig, cfg.RecencyWeight, r.CreatedAt, now)
		}

		r.Score = score
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if cfg.EnableQualityCutoff {
		results = applyQualityCutoff(results, cfg.QualityCutoffSlope)
	}

	if len(results) > cfg.MaxResults {
		results = results[:cfg.MaxResults]
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, results, &cache.CacheOptions{TTL: resultCacheTTL}); err != nil {
			s.logger.WithError(err).Warn("search: failed to cache results")
		}
	}

	return results, nil
}

// resultCacheKey hashes the query plus the fields of cfg that affect
// ranking, so a strategy change invalidates the cache without an explicit
// purge.
func (s *Service) resultCacheKey(query string, cfg Config, conversationID *uuid.UUID) string {
	conv := "any"
	if conversationID != nil {
		conv = conversationID.String()
	}
	raw := fmt.Sprintf("%s|%s|%+v", query, conv, cfg)
	sum := sha256.Sum256([]byte(raw))
	return "search:" + hex.EncodeToString(sum[:16])
}

// SearchFTSOnly runs full-text search alone, useful for debugging and for
// the fts_only strategy's evaluation baseline.
func (s *Service) SearchFTSOnly(ctx context.Context, query string, limit int) ([]Result, error) {
	cfg := DefaultConfig()
	cfg.VectorWeight = 0
	cfg.FTSWeight = 1
	cfg.MaxResults = limit
	return s.Search(ctx, query, cfg, nil)
}

// SearchVectorOnly runs vector search alone.
func (s *Service) SearchVectorOnly(ctx context.Context, query string, limit int) ([]Result, error) {
	cfg := DefaultConfig()
	cfg.VectorWeight = 1
	cfg.FTSWeight = 0
	cfg.MaxResults = limit
	return s.Search(ctx, query, cfg, nil)
}

// SearchSimilarToMessage finds messages near an existing message's content,
// by re-embedding its stored content and running a vector-only search.
func (s *Service) SearchSimilarToMessage(ctx context.Context, messageID uuid.UUID, limit int) ([]Result, error) {
	msg, err := s.db.Messages().GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.SearchVectorOnly(ctx, msg.Content, limit)
}

// ftsNorm squashes an unbounded ts_rank into [0,1] via log compression
// (spec §4.F: fts_norm = min(1, log2(1+ts_rank))).
func ftsNorm(rank float64) float64 {
	v := math.Log2(1 + rank)
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// vecNorm clamps cosine similarity (which may be slightly negative for
// near-orthogonal vectors) into [0,1].
func vecNorm(similarity float64) float64 {
	if similarity < 0 {
		return 0
	}
	return similarity
}

// applyQualityCutoff drops trailing results once the score-to-score
// drop-off between consecutive ranks exceeds slope * the top score — a
// steep fall usually means everything after is noise (spec §4.F).
func applyQualityCutoff(results []Result, slope float64) []Result {
	if len(results) < 2 || slope <= 0 {
		return results
	}
	top := results[0].Score
	if top <= 0 {
		return results
	}
	for i := 1; i < len(results); i++ {
		drop := results[i-1].Score - results[i].Score
		if drop > slope*top {
			return results[:i]
		}
	}
	return results
}
