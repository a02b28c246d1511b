// Package retrieval implements Contextual Retrieval (spec §4.G): message-
// level search results expanded into surrounding conversational context,
// suitable for feeding an LLM prompt rather than a flat result list.
// Grounded on db/services/contextual_retrieval_service.py.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dovos/conversation-archive/internal/domain"
	"github.com/dovos/conversation-archive/internal/search"
	"github.com/dovos/conversation-archive/internal/store"
)

// WindowMessage is one message inside a ContextWindow.
type WindowMessage struct {
	ID                uuid.UUID
	Role              string
	Content           string
	CreatedAt         time.Time
	IsPrimaryMatch    bool
	DistanceFromMatch int
}

// ContextWindow is the matched message plus its surrounding context,
// scored as a unit.
type ContextWindow struct {
	ConversationID    uuid.UUID
	ConversationTitle string
	MatchedMessageID  uuid.UUID
	Messages          []WindowMessage
	MatchPosition     int
	BaseScore         float64
	AggregatedScore   float64
	WindowID          string
}

// WindowMetadata accompanies a FormattedWindow's rendered content.
type WindowMetadata struct {
	ConversationID    uuid.UUID
	WindowID          string
	MatchedMessageID  uuid.UUID
	ConversationTitle string
	WindowSize        int
	MatchPosition     int
	BeforeCount       int
	AfterCount        int
	BaseScore         float64
	AggregatedScore   float64
	Roles             []string
	TokenEstimate     int
	RetrievalParams   map[string]interface{}
}

// FormattedWindow is the final, prompt-ready output of RetrieveWithContext.
type FormattedWindow struct {
	Content  string
	Metadata WindowMetadata
}

// Options parameterizes RetrieveWithContext; zero-value Options is not
// directly useful — use DefaultOptions().
type Options struct {
	TopKWindows          int
	ContextWindow        int
	AdaptiveContext      bool
	AsymmetricBefore     *int
	AsymmetricAfter      *int
	Deduplicate          bool
	MaxTokens            int // 0 disables the token budget
	Rerank               bool
	IncludeMarkers       bool
	ProximityDecayLambda float64
	ApplyRecencyBonus    bool
}

// DefaultOptions mirrors retrieve_with_context's Python defaults.
func DefaultOptions() Options {
	return Options{
		TopKWindows:          8,
		ContextWindow:        3,
		AdaptiveContext:      true,
		Deduplicate:          true,
		Rerank:               true,
		IncludeMarkers:       true,
		ProximityDecayLambda: 0.3,
	}
}

// Service retrieves and formats contextual windows around search hits.
type Service struct {
	db     *store.DB
	search *search.Service
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[uuid.UUID][]*domain.Message
}

// New builds a Contextual Retrieval service.
func New(db *store.DB, searchSvc *search.Service, logger *logrus.Logger) *Service {
	return &Service{db: db, search: searchSvc, logger: logger, cache: make(map[uuid.UUID][]*domain.Message)}
}

// RetrieveWithContext runs the 8-step window-retrieval pipeline. A single
// match's window construction failure is logged and dropped; the overall
// call only fails if the underlying Search Service call fails.
func (s *Service) RetrieveWithContext(ctx context.Context, query string, opts Options) ([]FormattedWindow, error) {
	cfg := search.DefaultConfig()
	cfg.MaxResults = opts.TopKWindows * 3

	results, err := s.search.Search(ctx, query, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	windowBefore, windowAfter := opts.ContextWindow, opts.ContextWindow
	if opts.AsymmetricBefore != nil {
		windowBefore = *opts.AsymmetricBefore
	}
	if opts.AsymmetricAfter != nil {
		windowAfter = *opts.AsymmetricAfter
	}

	var windows []*ContextWindow
	for _, r := range results {
		w, err := s.buildWindow(ctx, r.ConversationID, r.MessageID, windowBefore, windowAfter, opts.AdaptiveContext)
		if err != nil {
			s.logger.WithError(err).WithField("message_id", r.MessageID).Warn("retrieval: failed to build context window")
			continue
		}
		w.BaseScore = r.Score
		windows = append(windows, w)
	}

	if opts.Deduplicate {
		windows = mergeWindows(windows)
	}

	for _, w := range windows {
		scoreWindow(w, w.BaseScore, opts.ProximityDecayLambda, opts.ApplyRecencyBonus, s.db.Clock().Now())
	}

	if opts.Rerank {
		sort.Slice(windows, func(i, j int) bool { return windows[i].AggregatedScore > windows[j].AggregatedScore })
	}

	if opts.MaxTokens > 0 {
		for _, w := range windows {
			applyTokenBudget(w, opts.MaxTokens)
		}
	}

	if len(windows) > opts.TopKWindows {
		windows = windows[:opts.TopKWindows]
	}

	retrievalParams := map[string]interface{}{
		"query":            query,
		"top_k_windows":    opts.TopKWindows,
		"context_window":   opts.ContextWindow,
		"adaptive_context": opts.AdaptiveContext,
		"deduplicate":      opts.Deduplicate,
	}

	formatted := make([]FormattedWindow, 0, len(windows))
	for _, w := range windows {
		formatted = append(formatted, formatWindow(w, opts.IncludeMarkers, retrievalParams))
	}
	return formatted, nil
}

func (s *Service) conversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*domain.Message, error) {
	s.mu.Lock()
	if cached, ok := s.cache[conversationID]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	messages, err := s.db.Messages().GetByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[conversationID] = messages
	s.mu.Unlock()
	return messages, nil
}

func (s *Service) buildWindow(ctx context.Context, conversationID, matchMessageID uuid.UUID, before, after int, adaptive bool) (*ContextWindow, error) {
	messages, err := s.conversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("retrieval: no messages found for conversation %s", conversationID)
	}

	matchIdx := -1
	for i, m := range messages {
		if m.ID == matchMessageID {
			matchIdx = i
			break
		}
	}
	if matchIdx == -1 {
		return nil, fmt.Errorf("retrieval: message %s not found in conversation", matchMessageID)
	}

	if adaptive {
		before, after = adaptiveWindowSize(messages, matchIdx, before, after)
	}

	startIdx := matchIdx - before
	if startIdx < 0 {
		startIdx = 0
	}
	endIdx := matchIdx + after + 1
	if endIdx > len(messages) {
		endIdx = len(messages)
	}

	windowMessages := make([]WindowMessage, 0, endIdx-startIdx)
	for i := startIdx; i < endIdx; i++ {
		m := messages[i]
		dist := i - matchIdx
		if dist < 0 {
			dist = -dist
		}
		windowMessages = append(windowMessages, WindowMessage{
			ID: m.ID, Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt,
			IsPrimaryMatch: i == matchIdx, DistanceFromMatch: dist,
		})
	}

	title := "Unknown"
	if conv, err := s.db.Conversations().GetByID(ctx, conversationID); err == nil {
		title = conv.Title
	}

	return &ContextWindow{
		ConversationID:    conversationID,
		ConversationTitle: title,
		MatchedMessageID:  matchMessageID,
		Messages:          windowMessages,
		MatchPosition:     matchIdx - startIdx,
		WindowID:          fmt.Sprintf("%s:%s", conversationID, matchMessageID),
	}, nil
}

// adaptiveWindowSize extends the window by one message to avoid splitting
// a user/assistant turn in half.
func adaptiveWindowSize(messages []*domain.Message, matchIdx, maxBefore, maxAfter int) (int, int) {
	before, after := maxBefore, maxAfter
	matchedRole := messages[matchIdx].Role

	switch matchedRole {
	case domain.RoleUser:
		if matchIdx+1 < len(messages) && messages[matchIdx+1].Role == domain.RoleAssistant && after < 1 {
			after = 1
		}
	case domain.RoleAssistant:
		if matchIdx > 0 && messages[matchIdx-1].Role == domain.RoleUser && before < 1 {
			before = 1
		}
	}
	return before, after
}

// mergeWindows merges windows from the same conversation whose message-id
// sets intersect, keeping the max base score across merged windows.
// Adjacent windows that share no message stay separate.
func mergeWindows(windows []*ContextWindow) []*ContextWindow {
	if len(windows) == 0 {
		return windows
	}

	byConversation := make(map[uuid.UUID][]*ContextWindow)
	order := make([]uuid.UUID, 0)
	for _, w := range windows {
		if _, ok := byConversation[w.ConversationID]; !ok {
			order = append(order, w.ConversationID)
		}
		byConversation[w.ConversationID] = append(byConversation[w.ConversationID], w)
	}

	var merged []*ContextWindow
	for _, convID := range order {
		convWindows := byConversation[convID]
		if len(convWindows) == 1 {
			merged = append(merged, convWindows[0])
			continue
		}

		sort.Slice(convWindows, func(i, j int) bool {
			if len(convWindows[i].Messages) == 0 || len(convWindows[j].Messages) == 0 {
				return false
			}
			return convWindows[i].Messages[0].ID.String() < convWindows[j].Messages[0].ID.String()
		})

		current := convWindows[0]
		for _, next := range convWindows[1:] {
			currentIDs := make(map[uuid.UUID]bool, len(current.Messages))
			for _, m := range current.Messages {
				currentIDs[m.ID] = true
			}
			overlaps := false
			for _, m := range next.Messages {
				if currentIDs[m.ID] {
					overlaps = true
					break
				}
			}

			if overlaps {
				all := append([]WindowMessage{}, current.Messages...)
				for _, m := range next.Messages {
					if !currentIDs[m.ID] {
						all = append(all, m)
					}
				}
				sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

				matchPos := 0
				for i, m := range all {
					if m.ID == current.MatchedMessageID {
						matchPos = i
						break
					}
				}

				baseScore := current.BaseScore
				if next.BaseScore > baseScore {
					baseScore = next.BaseScore
				}

				current = &ContextWindow{
					ConversationID:    current.ConversationID,
					ConversationTitle: current.ConversationTitle,
					MatchedMessageID:  current.MatchedMessageID,
					Messages:          all,
					MatchPosition:     matchPos,
					BaseScore:         baseScore,
					WindowID:          fmt.Sprintf("%s:merged", current.ConversationID),
				}
			} else {
				merged = append(merged, current)
				current = next
			}
		}
		merged = append(merged, current)
	}

	return merged
}

// scoreWindow applies proximity decay across the window's messages and an
// optional recency bonus, mirroring _score_window's exact formulas.
func scoreWindow(w *ContextWindow, baseScore, lambda float64, applyRecencyBonus bool, now time.Time) {
	var sum float64
	for _, m := range w.Messages {
		weight := math.Exp(-lambda * float64(m.DistanceFromMatch))
		sum += baseScore * weight
	}
	aggregated := baseScore
	if len(w.Messages) > 0 {
		aggregated = sum / float64(len(w.Messages))
	}

	if applyRecencyBonus {
		for _, m := range w.Messages {
			if m.IsPrimaryMatch {
				ageDays := now.Sub(m.CreatedAt).Hours() / 24
				aggregated += 0.05 * math.Exp(-ageDays/90)
				break
			}
		}
	}

	w.BaseScore = baseScore
	w.AggregatedScore = aggregated
}

// applyTokenBudget trims from the farther edge of the window until it fits
// max_tokens (≈4 chars/token), never removing the matched message, then
// drops any resulting orphaned turn at either edge.
func applyTokenBudget(w *ContextWindow, maxTokens int) {
	estimate := func(s string) int { return len(s) / 4 }

	total := 0
	for _, m := range w.Messages {
		total += estimate(m.Content)
	}
	if total <= maxTokens {
		return
	}

	matchIdx := w.MatchPosition
	messages := append([]WindowMessage{}, w.Messages...)

	for total > maxTokens && len(messages) > 1 {
		if messages[0].IsPrimaryMatch {
			removed := messages[len(messages)-1]
			messages = messages[:len(messages)-1]
			total -= estimate(removed.Content)
		} else if messages[len(messages)-1].IsPrimaryMatch {
			removed := messages[0]
			messages = messages[1:]
			total -= estimate(removed.Content)
			matchIdx--
		} else {
			distStart := matchIdx
			distEnd := len(messages) - 1 - matchIdx
			if distStart >= distEnd {
				removed := messages[0]
				messages = messages[1:]
				total -= estimate(removed.Content)
				matchIdx--
			} else {
				removed := messages[len(messages)-1]
				messages = messages[:len(messages)-1]
				total -= estimate(removed.Content)
			}
		}
	}

	if len(messages) > 1 {
		if messages[0].Role == string(domain.RoleAssistant) && !messages[0].IsPrimaryMatch {
			messages = messages[1:]
			matchIdx--
		}
	}
	if len(messages) > 1 {
		if messages[len(messages)-1].Role == string(domain.RoleUser) && !messages[len(messages)-1].IsPrimaryMatch {
			messages = messages[:len(messages)-1]
		}
	}

	w.Messages = messages
	w.MatchPosition = matchIdx
}

func formatWindow(w *ContextWindow, includeMarkers bool, retrievalParams map[string]interface{}) FormattedWindow {
	var parts []string
	if includeMarkers {
		parts = append(parts, "[CTX_START]")
	}

	for _, m := range w.Messages {
		roleLabel := roleLabel(m.Role)
		timestamp := m.CreatedAt.Format("2006-01-02 15:04:05")

		if m.IsPrimaryMatch && includeMarkers {
			parts = append(parts, "[MATCH_START]")
		}
		parts = append(parts, fmt.Sprintf("**%s** *(on %s)*:\n%s", roleLabel, timestamp, m.Content))
		if m.IsPrimaryMatch && includeMarkers {
			parts = append(parts, "[MATCH_END]")
		}
	}

	if includeMarkers {
		parts = append(parts, "[CTX_END]")
	}
	content := strings.Join(parts, "\n\n")

	roles := make([]string, len(w.Messages))
	for i, m := range w.Messages {
		roles[i] = m.Role
	}

	metadata := WindowMetadata{
		ConversationID:    w.ConversationID,
		WindowID:          w.WindowID,
		MatchedMessageID:  w.MatchedMessageID,
		ConversationTitle: w.ConversationTitle,
		WindowSize:        len(w.Messages),
		MatchPosition:     w.MatchPosition,
		BeforeCount:       w.MatchPosition,
		AfterCount:        len(w.Messages) - w.MatchPosition - 1,
		BaseScore:         w.BaseScore,
		AggregatedScore:   w.AggregatedScore,
		Roles:             roles,
		TokenEstimate:     len(content) / 4,
		RetrievalParams:   retrievalParams,
	}

	return FormattedWindow{Content: content, Metadata: metadata}
}

func roleLabel(role string) string {
	switch domain.MessageRole(role) {
	case domain.RoleUser:
		return "You"
	case domain.RoleAssistant:
		return "Assistant"
	case domain.RoleSystem:
		return "System"
	default:
		if role == "" {
			return role
		}
		return strings.ToUpper(role[:1]) + role[1:]
	}
}
