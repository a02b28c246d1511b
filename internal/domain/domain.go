// Package domain holds the entities and value objects shared across the
// store, import, queue, and search layers.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Domain errors. Callers compare with errors.Is; the worker loops and the
// import service never let these escape as panics.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmbeddingNotFound    = errors.New("embedding not found")
	ErrJobNotFound          = errors.New("job not found")
	ErrSettingNotFound      = errors.New("setting not found")
	ErrInvalidRole          = errors.New("invalid message role")
	ErrEmptyContent         = errors.New("message content cannot be empty")

	ErrFormatDetection      = errors.New("no registered format matches payload")
	ErrImporterNotAvailable = errors.New("format detected but extractor not registered")
	ErrLicenseRequired      = errors.New("format requires a license capability")
	ErrJobPayloadInvalid    = errors.New("job payload missing required fields")
)

// MessageRole is one of the three supported conversation participants.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// IsValid reports whether r is one of the supported roles.
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// SourceType tags the originating export format. "unknown" is reserved for
// payloads that matched no registered detector.
type SourceType string

const (
	SourceChatGPT   SourceType = "chatgpt"
	SourceClaude    SourceType = "claude"
	SourceOpenWebUI SourceType = "openwebui"
	SourceDOCX      SourceType = "docx"
	SourceYouTube   SourceType = "youtube_watch_history"
	SourceUnknown   SourceType = "unknown"
)

// JobStatus is the lifecycle state of a queued Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

const (
	// JobKindGenerateEmbedding is produced by the Import Service for every
	// non-empty message and consumed by the embedding worker pool.
	JobKindGenerateEmbedding = "generate_embedding"
	// JobKindYouTubeTranscription is produced for YouTube watch-history
	// entries that carry a video_id.
	JobKindYouTubeTranscription = "youtube_transcription"
)

// DefaultEmbeddingDimension is the vector width produced by the embedding
// oracle unless a model overrides it.
const DefaultEmbeddingDimension = 384

// Metadata is a flexible JSONB-backed bag of extractor/source fields. It
// MUST carry "sequence" for every message.
type Metadata map[string]interface{}

// Sequence extracts the required integer ordering key, defaulting to 0 if
// absent or malformed (extractors are expected to always set it).
func (m Metadata) Sequence() int {
	if m == nil {
		return 0
	}
	switch v := m["sequence"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SetSequence stores the ordering key.
func (m Metadata) SetSequence(seq int) {
	m["sequence"] = seq
}

// Conversation is an imported chat transcript.
type Conversation struct {
	ID              uuid.UUID
	Title           string
	SourceType      SourceType
	SourceID        *string
	SourceUpdatedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	IsSaved         bool
}

// Message is one turn inside a Conversation.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           MessageRole
	Content        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Metadata       Metadata
}

// Key returns the 16-character SHA-256 prefix of "role:content", used by
// the Import Service's incremental-update dedup step to detect messages
// already present in a conversation without comparing full content.
func (m Message) Key() string {
	sum := sha256.Sum256([]byte(string(m.Role) + ":" + m.Content))
	return hex.EncodeToString(sum[:])[:16]
}

// Embedding is the vector representation of a Message's content.
type Embedding struct {
	MessageID uuid.UUID
	Vector    []float32
	Model     string
	UpdatedAt time.Time
}

// IsCurrent reports whether the embedding was computed at or after the
// message's last update.
func (e Embedding) IsCurrent(messageUpdatedAt time.Time) bool {
	return !e.UpdatedAt.Before(messageUpdatedAt)
}

// Job is a unit of asynchronous work, dequeued under SKIP LOCKED semantics.
type Job struct {
	ID         int64
	Kind       string
	Payload    map[string]interface{}
	Status     JobStatus
	Attempts   int
	NotBefore  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Setting is a single row in the small KV used for runtime configuration
// and heartbeats.
type Setting struct {
	ID        string
	Value     string
	Category  string
	UpdatedAt time.Time
}

// Attachment is the uniform shape extractors MUST normalize source-specific
// attachment metadata into.
type Attachment struct {
	FileName          string
	Type              string
	Available         bool
	ExtractedContent  string
	Metadata          map[string]interface{}
}

// ExtractedMessage is produced by a format Extractor before persistence.
type ExtractedMessage struct {
	Role        MessageRole
	Content     string
	CreatedAt   *time.Time
	Sequence    int
	Metadata    map[string]interface{}
	Attachments []Attachment
}

// ImportResult is the public contract of the Import Service.
type ImportResult struct {
	Imported      int
	Skipped       int
	Updated       int
	Failed        int
	MessagesAdded int
	Format        SourceType
	Notes         []string
	Errors        []string
}
