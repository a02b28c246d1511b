package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecencyConfig_Score_Exponential(t *testing.T) {
	cfg := RecencyConfig{Type: RecencyExponential, HalfLifeDays: 30}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	fresh := cfg.Score(now, now)
	assert.InDelta(t, 1.0, fresh, 0.001)

	aged := cfg.Score(now.AddDate(0, 0, -30), now)
	assert.InDelta(t, 0.3679, aged, 0.01)
}

func TestRecencyConfig_Score_LinearWindow(t *testing.T) {
	cfg := RecencyConfig{Type: RecencyLinearWindow, FullBoostDays: 7, HalfBoostDays: 30, QuarterBoostDays: 90}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 1.0, cfg.Score(now.AddDate(0, 0, -3), now))
	assert.Equal(t, 0.75, cfg.Score(now.AddDate(0, 0, -20), now))
	assert.Equal(t, 0.5, cfg.Score(now.AddDate(0, 0, -60), now))
	assert.Equal(t, 0.25, cfg.Score(now.AddDate(0, 0, -200), now))
}

func TestRecencyConfig_Score_None(t *testing.T) {
	cfg := RecencyConfig{Type: RecencyNone}
	now := time.Now()
	assert.Equal(t, 0.0, cfg.Score(now, now))
}

func TestApplyRecencyBoost_DisabledWhenNone(t *testing.T) {
	now := time.Now()
	score := ApplyRecencyBoost(0.8, RecencyConfig{Type: RecencyNone}, 0.5, now, now)
	assert.Equal(t, 0.8, score)
}

func TestApplyRecencyBoost_Blends(t *testing.T) {
	now := time.Now()
	cfg := RecencyConfig{Type: RecencyExponential, HalfLifeDays: 30}
	score := ApplyRecencyBoost(0.5, cfg, 0.5, now, now)
	assert.InDelta(t, 0.75, score, 0.01) // 0.5*0.5 + 0.5*1.0
}

func TestExactMatchBoost(t *testing.T) {
	boosted := ExactMatchBoost(1.0, "budget report", "the quarterly Budget Report is attached", 1.5)
	assert.Equal(t, 1.5, boosted)

	unboosted := ExactMatchBoost(1.0, "budget report", "nothing relevant here", 1.5)
	assert.Equal(t, 1.0, unboosted)
}

func TestPhraseMatchBoost(t *testing.T) {
	boosted := PhraseMatchBoost(1.0, "machine learning", "I study machine learning models", 1.25)
	assert.Equal(t, 1.25, boosted)

	unboosted := PhraseMatchBoost(1.0, "machine learning", "learning machine parts is different", 1.25)
	assert.Equal(t, 1.0, unboosted)
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()

	cfg, err := r.Lookup("fts_only")
	assert.NoError(t, err)
	assert.Equal(t, 1.0, cfg.FTSWeight)
	assert.Equal(t, 0.0, cfg.VectorWeight)

	cfg, err = r.Lookup("vector_only")
	assert.NoError(t, err)
	assert.Equal(t, 1.0, cfg.VectorWeight)

	_, err = r.Lookup("does_not_exist")
	assert.Error(t, err)
}

func TestRegistry_RecencyBoostEnablesRecency(t *testing.T) {
	r := NewRegistry()
	cfg, err := r.Lookup("recency_boost")
	assert.NoError(t, err)
	assert.True(t, cfg.EnableRecencyBoost)
	assert.Equal(t, RecencyExponential, cfg.RecencyConfig.Type)
}
