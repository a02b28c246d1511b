package retrieval

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/dovos/conversation-archive/internal/domain"
)

func newMessage(role domain.MessageRole) *domain.Message {
	return &domain.Message{ID: uuid.New(), Role: role, CreatedAt: time.Now()}
}

func TestAdaptiveWindowSize_ExtendsAfterForUserMatch(t *testing.T) {
	messages := []*domain.Message{newMessage(domain.RoleUser), newMessage(domain.RoleAssistant)}
	before, after := adaptiveWindowSize(messages, 0, 0, 0)
	assert.Equal(t, 0, before)
	assert.Equal(t, 1, after)
}

func TestAdaptiveWindowSize_ExtendsBeforeForAssistantMatch(t *testing.T) {
	messages := []*domain.Message{newMessage(domain.RoleUser), newMessage(domain.RoleAssistant)}
	before, after := adaptiveWindowSize(messages, 1, 0, 0)
	assert.Equal(t, 1, before)
	assert.Equal(t, 0, after)
}

func TestAdaptiveWindowSize_NoChangeWhenAlreadySatisfied(t *testing.T) {
	messages := []*domain.Message{newMessage(domain.RoleUser), newMessage(domain.RoleAssistant)}
	before, after := adaptiveWindowSize(messages, 0, 2, 2)
	assert.Equal(t, 2, before)
	assert.Equal(t, 2, after)
}

func TestScoreWindow_ProximityDecay(t *testing.T) {
	w := &ContextWindow{
		Messages: []WindowMessage{
			{IsPrimaryMatch: true, DistanceFromMatch: 0},
			{DistanceFromMatch: 1},
			{DistanceFromMatch: 2},
		},
	}
	now := time.Now()
	scoreWindow(w, 1.0, 0.3, false, now)

	assert.Equal(t, 1.0, w.BaseScore)
	assert.Less(t, w.AggregatedScore, 1.0)
	assert.Greater(t, w.AggregatedScore, 0.0)
}

func TestScoreWindow_RecencyBonusAddsSmallBoost(t *testing.T) {
	now := time.Now()
	w := &ContextWindow{
		Messages: []WindowMessage{
			{IsPrimaryMatch: true, DistanceFromMatch: 0, CreatedAt: now},
		},
	}
	scoreWindow(w, 1.0, 0.3, true, now)
	assert.InDelta(t, 1.05, w.AggregatedScore, 0.01)
}

func TestApplyTokenBudget_NoTrimWhenUnderBudget(t *testing.T) {
	w := &ContextWindow{
		Messages: []WindowMessage{
			{Content: "short", IsPrimaryMatch: true},
		},
		MatchPosition: 0,
	}
	applyTokenBudget(w, 1000)
	assert.Len(t, w.Messages, 1)
}

func TestApplyTokenBudget_TrimsFromFarEdge(t *testing.T) {
	long := func(n int) string {
		s := make([]byte, n)
		for i := range s {
			s[i] = 'a'
		}
		return string(s)
	}
	w := &ContextWindow{
		Messages: []WindowMessage{
			{Role: "user", Content: long(400)},
			{Role: "assistant", Content: long(400), IsPrimaryMatch: true},
			{Role: "user", Content: long(400)},
		},
		MatchPosition: 1,
	}
	applyTokenBudget(w, 150)

	found := false
	for _, m := range w.Messages {
		if m.IsPrimaryMatch {
			found = true
		}
	}
	assert.True(t, found, "matched message must never be trimmed")
}

func TestMergeWindows_MergesOverlapping(t *testing.T) {
	convID := uuid.New()
	m1, m2, m3 := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	w1 := &ContextWindow{
		ConversationID:   convID,
		MatchedMessageID: m1,
		Messages: []WindowMessage{
			{ID: m1, CreatedAt: now},
			{ID: m2, CreatedAt: now.Add(time.Minute)},
		},
	}
	w2 := &ContextWindow{
		ConversationID:   convID,
		MatchedMessageID: m3,
		Messages: []WindowMessage{
			{ID: m2, CreatedAt: now.Add(time.Minute)},
			{ID: m3, CreatedAt: now.Add(2 * time.Minute)},
		},
	}

	merged := mergeWindows([]*ContextWindow{w1, w2})
	assert.Len(t, merged, 1)
	assert.Len(t, merged[0].Messages, 3)
}

func TestMergeWindows_KeepsSeparateWhenNoOverlap(t *testing.T) {
	convID := uuid.New()
	w1 := &ContextWindow{ConversationID: convID, Messages: []WindowMessage{{ID: uuid.New()}}}
	w2 := &ContextWindow{ConversationID: convID, Messages: []WindowMessage{{ID: uuid.New()}}}

	merged := mergeWindows([]*ContextWindow{w1, w2})
	assert.Len(t, merged, 2)
}

func TestFormatWindow_IncludesMarkers(t *testing.T) {
	w := &ContextWindow{
		Messages: []WindowMessage{
			{Role: "user", Content: "hello", IsPrimaryMatch: true, CreatedAt: time.Now()},
		},
		MatchPosition: 0,
	}
	formatted := formatWindow(w, true, nil)

	assert.Contains(t, formatted.Content, "[CTX_START]")
	assert.Contains(t, formatted.Content, "[MATCH_START]")
	assert.Contains(t, formatted.Content, "[MATCH_END]")
	assert.Contains(t, formatted.Content, "[CTX_END]")
	assert.Contains(t, formatted.Content, "hello")
}

func TestFormatWindow_OmitsMarkersWhenDisabled(t *testing.T) {
	w := &ContextWindow{
		Messages: []WindowMessage{
			{Role: "assistant", Content: "hi", IsPrimaryMatch: true, CreatedAt: time.Now()},
		},
	}
	formatted := formatWindow(w, false, nil)
	assert.NotContains(t, formatted.Content, "[CTX_START]")
	assert.NotContains(t, formatted.Content, "[MATCH_START]")
}
