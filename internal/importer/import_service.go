// Package importer is the Import Service (spec §4.C): detects a payload's
// format, deduplicates and incrementally updates against prior imports of
// the same source, and persists new conversations/messages with their
// embedding jobs in the same outbox-pattern transaction.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/domain"
	"github.com/dovos/conversation-archive/internal/events"
	"github.com/dovos/conversation-archive/internal/format"
	"github.com/dovos/conversation-archive/internal/store"
)

// CapabilityOracle gates licensed formats, consulted before invoking an
// extractor whose Capabilities.RequiresLicense is set (spec §6).
type CapabilityOracle interface {
	HasFeature(name string) bool
}

// Service is the Import Service.
type Service struct {
	db           *store.DB
	registry     *format.Registry
	capabilities CapabilityOracle
	publisher    *events.Publisher
	clock        clock.Clock
	logger       *logrus.Logger
	model        string
}

// New builds an Import Service over the given registry and capability
// policy. publisher may be nil, in which case import events are not
// published (used by tests that don't stand up Kafka).
func New(db *store.DB, registry *format.Registry, capabilities CapabilityOracle, publisher *events.Publisher, clk clock.Clock, logger *logrus.Logger, embeddingModel string) *Service {
	return &Service{
		db: db, registry: registry, capabilities: capabilities,
		publisher: publisher, clock: clk, logger: logger, model: embeddingModel,
	}
}

type existingEntry struct {
	conversationID string
	contentHash    string
	sourceUpdated  *time.Time
}

// Import runs the full detect -> dedup/update/create pipeline against one
// parsed payload (spec §4.C).
func (s *Service) Import(ctx context.Context, payload interface{}) (*domain.ImportResult, error) {
	reg, conversations, matched := s.registry.Detect(payload)
	if !matched {
		return nil, fmt.Errorf("%w: registered formats are %s", domain.ErrFormatDetection, strings.Join(s.registry.Names(), ", "))
	}

	if reg.Capabilities.RequiresLicense && (s.capabilities == nil || !s.capabilities.HasFeature(string(reg.Source))) {
		return nil, fmt.Errorf("%w: format %q requires an upgraded license", domain.ErrLicenseRequired, reg.Source)
	}

	result := &domain.ImportResult{Format: reg.Source}

	existing, err := s.buildExistingIndex(ctx, reg.Source)
	if err != nil {
		return nil, fmt.Errorf("importer: build existing index: %w", err)
	}

	for _, rawConv := range conversations {
		if err := s.importOne(ctx, reg, rawConv, existing, result); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
		}
	}

	if s.publisher != nil {
		s.publisher.Publish(ctx, events.TopicConversationImported, map[string]interface{}{
			"format":         string(reg.Source),
			"imported":       result.Imported,
			"updated":        result.Updated,
			"skipped":        result.Skipped,
			"failed":         result.Failed,
			"messages_added": result.MessagesAdded,
		})
	}

	return result, nil
}

// buildExistingIndex scans every previously imported conversation of this
// format and computes its content hash, per spec §4.C step 3.
func (s *Service) buildExistingIndex(ctx context.Context, source domain.SourceType) (map[string]existingEntry, error) {
	index := make(map[string]existingEntry)

	convs, err := s.db.Conversations().ListBySourceType(ctx, source)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		if conv.SourceID == nil {
			continue
		}
		messages, err := s.db.Messages().GetByConversation(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("importer: load messages for %s: %w", conv.ID, err)
		}
		hash := contentHash(messages)

		index[*conv.SourceID] = existingEntry{
			conversationID: conv.ID.String(),
			contentHash:    hash,
			sourceUpdated:  conv.SourceUpdatedAt,
		}
	}
	return index, nil
}

func (s *Service) importOne(ctx context.Context, reg format.Registration, rawConv interface{}, existing map[string]existingEntry, result *domain.ImportResult) error {
	extracted, err := reg.Extract(rawConv)
	if err != nil {
		return fmt.Errorf("importer: extract %s conversation: %w", reg.Source, err)
	}
	if len(extracted) == 0 {
		return nil
	}

	sourceID := ""
	if reg.SourceID != nil {
		sourceID = reg.SourceID(rawConv)
	}
	var sourceUpdatedAt *time.Time
	if reg.SourceUpdatedAt != nil {
		sourceUpdatedAt = reg.SourceUpdatedAt(rawConv)
	}

	hash := contentHashFromExtracted(extracted)

	if sourceID != "" {
		if entry, found := existing[sourceID]; found {
			if entry.contentHash == hash {
				result.Skipped++
				return nil
			}
			if !isStrictlyNewer(sourceUpdatedAt, entry.sourceUpdated) {
				result.Skipped++
				return nil
			}
			return s.incrementalUpdate(ctx, reg, entry, sourceUpdatedAt, extracted, result)
		}
	}

	return s.createNew(ctx, reg, sourceID, sourceUpdatedAt, extracted, result)
}

func isStrictlyNewer(candidate, stored *time.Time) bool {
	if candidate == nil {
		return false
	}
	if stored == nil {
		return true
	}
	return candidate.After(*stored)
}

func (s *Service) createNew(ctx context.Context, reg format.Registration, sourceID string, sourceUpdatedAt *time.Time, extracted []domain.ExtractedMessage, result *domain.ImportResult) error {
	return s.db.WithinUnitOfWork(ctx, func(uow *store.UnitOfWork) error {
		conv := &domain.Conversation{
			Title:      title(extracted),
			SourceType: reg.Source,
		}
		if sourceID != "" {
			conv.SourceID = &sourceID
		}
		conv.SourceUpdatedAt = sourceUpdatedAt
		if err := uow.Conversations().Create(ctx, conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}

		added := 0
		for _, em := range extracted {
			msg := &domain.Message{
				ConversationID: conv.ID,
				Role:           em.Role,
				Content:        em.Content,
				Metadata:       domain.Metadata(withSequence(em.Metadata, em.Sequence)),
			}
			if em.CreatedAt != nil {
				msg.CreatedAt = *em.CreatedAt
			}
			if err := uow.Messages().Create(ctx, msg); err != nil {
				return fmt.Errorf("create message: %w", err)
			}
			added++

			if err := s.enqueueJobsForMessage(ctx, uow, msg, em); err != nil {
				return err
			}
		}

		result.Imported++
		result.MessagesAdded += added
		return nil
	})
}

func (s *Service) incrementalUpdate(ctx context.Context, reg format.Registration, entry existingEntry, sourceUpdatedAt *time.Time, extracted []domain.ExtractedMessage, result *domain.ImportResult) error {
	return s.db.WithinUnitOfWork(ctx, func(uow *store.UnitOfWork) error {
		convID, err := parseUUID(entry.conversationID)
		if err != nil {
			return err
		}

		existingKeys, err := uow.Messages().ExistingContentKeys(ctx, convID)
		if err != nil {
			return fmt.Errorf("existing content keys: %w", err)
		}
		maxSeq, err := uow.Messages().MaxSequence(ctx, convID)
		if err != nil {
			return fmt.Errorf("max sequence: %w", err)
		}

		added := 0
		nextSeq := maxSeq + 1
		for _, em := range extracted {
			key := domain.Message{Role: em.Role, Content: em.Content}.Key()
			if existingKeys[key] {
				continue
			}
			msg := &domain.Message{
				ConversationID: convID,
				Role:           em.Role,
				Content:        em.Content,
				Metadata:       domain.Metadata(withSequence(em.Metadata, nextSeq)),
			}
			if em.CreatedAt != nil {
				msg.CreatedAt = *em.CreatedAt
			}
			if err := uow.Messages().Create(ctx, msg); err != nil {
				return fmt.Errorf("create message: %w", err)
			}
			if err := s.enqueueJobsForMessage(ctx, uow, msg, em); err != nil {
				return err
			}
			nextSeq++
			added++
		}

		if sourceUpdatedAt != nil {
			if err := uow.Conversations().UpdateSourceUpdatedAt(ctx, convID, *sourceUpdatedAt); err != nil {
				return fmt.Errorf("update source_updated_at: %w", err)
			}
		}

		result.Updated++
		result.MessagesAdded += added
		return nil
	})
}

// enqueueJobsForMessage enqueues exactly one generate_embedding job per
// non-empty message, plus one youtube_transcription job when the extractor
// recorded a video_id — resolving the legacy double-enqueue bug noted in
// spec §9's Open Questions by enqueuing inside this single call site only.
func (s *Service) enqueueJobsForMessage(ctx context.Context, uow *store.UnitOfWork, msg *domain.Message, em domain.ExtractedMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	if _, err := uow.Jobs().Enqueue(ctx, domain.JobKindGenerateEmbedding, map[string]interface{}{
		"message_id": msg.ID.String(),
		"content":    msg.Content,
		"model":      s.model,
	}, s.clock.Now()); err != nil {
		return fmt.Errorf("enqueue embedding job: %w", err)
	}

	if em.Metadata != nil {
		if videoID, ok := em.Metadata["video_id"].(string); ok && videoID != "" {
			if _, err := uow.Jobs().Enqueue(ctx, domain.JobKindYouTubeTranscription, map[string]interface{}{
				"message_id": msg.ID.String(),
				"video_id":   videoID,
			}, s.clock.Now()); err != nil {
				return fmt.Errorf("enqueue transcription job: %w", err)
			}
		}
	}
	return nil
}

func withSequence(meta map[string]interface{}, seq int) map[string]interface{} {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["sequence"] = seq
	return meta
}

func title(extracted []domain.ExtractedMessage) string {
	for _, em := range extracted {
		if em.Role == domain.RoleUser && em.Content != "" {
			if len(em.Content) > 80 {
				return em.Content[:80]
			}
			return em.Content
		}
	}
	return "Untitled conversation"
}

// contentHash is the dedup key: SHA-256 over non-empty message contents
// joined by "\n\n" (spec §4.C step 3, GLOSSARY "Content hash").
func contentHash(messages []*domain.Message) string {
	var parts []string
	for _, m := range messages {
		if strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n\n")))
	return hex.EncodeToString(sum[:])
}

func contentHashFromExtracted(extracted []domain.ExtractedMessage) string {
	var parts []string
	for _, em := range extracted {
		if strings.TrimSpace(em.Content) != "" {
			parts = append(parts, em.Content)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n\n")))
	return hex.EncodeToString(sum[:])
}
