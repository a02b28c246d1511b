package search

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RecencyDecayType selects how RecencyConfig.Score ages a result (spec
// §4.F "Recency boost variants").
type RecencyDecayType string

const (
	RecencyNone         RecencyDecayType = "none"
	RecencyExponential  RecencyDecayType = "exponential"
	RecencyLogarithmic  RecencyDecayType = "logarithmic"
	RecencyLinearWindow RecencyDecayType = "linear_window"
)

// RecencyConfig parameterizes the recency boost, grounded on
// search_strategies.py's RecencyConfig.calculate_recency_score.
type RecencyConfig struct {
	Type RecencyDecayType

	// HalfLifeDays is used by Exponential: score = exp(-age_days/half_life).
	HalfLifeDays float64

	// LinearWindow tiers (days). Age at or below FullBoostDays scores 1.0,
	// at or below HalfBoostDays scores 0.75, at or below QuarterBoostDays
	// scores 0.5, otherwise 0.25.
	FullBoostDays    float64
	HalfBoostDays    float64
	QuarterBoostDays float64
}

// DefaultRecencyConfig mirrors the canonical defaults: a 30-day half-life
// and 7/30/90-day linear-window tiers.
func DefaultRecencyConfig() RecencyConfig {
	return RecencyConfig{
		Type:             RecencyExponential,
		HalfLifeDays:     30,
		FullBoostDays:    7,
		HalfBoostDays:    30,
		QuarterBoostDays: 90,
	}
}

// Score computes the recency component in [0,1] for a message created at
// createdAt, relative to now.
func (c RecencyConfig) Score(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	switch c.Type {
	case RecencyExponential:
		halfLife := c.HalfLifeDays
		if halfLife <= 0 {
			halfLife = 30
		}
		return math.Exp(-ageDays / halfLife)
	case RecencyLogarithmic:
		return 1 / (1 + math.Log(1+ageDays))
	case RecencyLinearWindow:
		switch {
		case ageDays <= c.FullBoostDays:
			return 1.0
		case ageDays <= c.HalfBoostDays:
			return 0.75
		case ageDays <= c.QuarterBoostDays:
			return 0.5
		default:
			return 0.25
		}
	default:
		return 0
	}
}

// ApplyRecencyBoost blends a base combined score with the recency score:
// (1-recency_weight)*score + recency_weight*recency_score (spec §4.F).
func ApplyRecencyBoost(score float64, recency RecencyConfig, recencyWeight float64, createdAt, now time.Time) float64 {
	if recency.Type == RecencyNone || recencyWeight <= 0 {
		return score
	}
	recencyScore := recency.Score(createdAt, now)
	return (1-recencyWeight)*score + recencyWeight*recencyScore
}

// ExactMatchBoost multiplies score by boost when the raw query appears as
// a case-insensitive substring of content — the "exact_match_boost_processor"
// convention from search_strategies.py.
func ExactMatchBoost(score float64, query, content string, boost float64) float64 {
	if boost <= 0 {
		return score
	}
	if strings.Contains(strings.ToLower(content), strings.ToLower(query)) {
		return score * boost
	}
	return score
}

// PhraseMatchBoost multiplies score by boost when every term of query
// appears contiguously (as a substring, case-insensitive) in content.
func PhraseMatchBoost(score float64, query, content string, boost float64) float64 {
	if boost <= 0 {
		return score
	}
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return score
	}
	phrase := strings.Join(terms, " ")
	if strings.Contains(strings.ToLower(content), strings.ToLower(phrase)) {
		return score * boost
	}
	return score
}

// Strategy names a preset Config plus the processors it enables, the
// registry named in spec §4.F ("baseline", "fts_heavy", ...).
type Strategy struct {
	Name   string
	Config Config
}

// Registry is the static named-strategy table.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds the registry with the three presets SPEC_FULL names
// (default, recency_biased, exact_match_boosted) plus the additional named
// variants spec §4.F lists.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}

	baseline := DefaultConfig()
	r.register("baseline", baseline)
	r.register("default", baseline)

	ftsHeavy := baseline
	ftsHeavy.FTSWeight, ftsHeavy.VectorWeight = 0.8, 0.2
	r.register("fts_heavy", ftsHeavy)

	vectorHeavy := baseline
	vectorHeavy.FTSWeight, vectorHeavy.VectorWeight = 0.2, 0.8
	r.register("vector_heavy", vectorHeavy)

	highRecall := baseline
	highRecall.VectorSimilarityThreshold = 0.1
	highRecall.FTSRankThreshold = 0
	highRecall.MaxResults = 50
	r.register("high_recall", highRecall)

	recencyBoost := baseline
	recencyBoost.EnableRecencyBoost = true
	recencyBoost.RecencyWeight = 0.3
	recencyBoost.RecencyConfig = DefaultRecencyConfig()
	r.register("recency_boost", recencyBoost)
	r.register("recency_biased", recencyBoost)

	recencyExact := recencyBoost
	recencyExact.EnableExactSubstringBoost = true
	recencyExact.ExactSubstringBoost = 2.0
	r.register("recency_exact", recencyExact)
	r.register("exact_match_boosted", recencyExact)

	ftsOnly := baseline
	ftsOnly.VectorWeight = 0
	ftsOnly.FTSWeight = 1
	r.register("fts_only", ftsOnly)

	vectorOnly := baseline
	vectorOnly.VectorWeight = 1
	vectorOnly.FTSWeight = 0
	r.register("vector_only", vectorOnly)

	return r
}

func (r *Registry) register(name string, cfg Config) {
	r.strategies[name] = Strategy{Name: name, Config: cfg}
}

// Lookup returns a named strategy's config, or an error — unknown
// strategies are rejected at lookup time (spec §8 boundary behavior).
func (r *Registry) Lookup(name string) (Config, error) {
	s, ok := r.strategies[name]
	if !ok {
		return Config{}, fmt.Errorf("search: unknown strategy %q", name)
	}
	return s.Config, nil
}
