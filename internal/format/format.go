// Package format is the Format Registry (spec §4.B). It maps a format
// name to a detector, an extractor, and a capability policy, the same
// detector/extractor/capability seam the teacher never had but the pack's
// plugin-style registries (handler maps keyed by string) establish the
// idiom for: a static map populated at package init, not a dynamic lookup
// service.
package format

import (
	"sort"
	"time"

	"github.com/dovos/conversation-archive/internal/domain"
)

// Detector inspects a parsed import payload and reports whether it
// recognizes the shape, returning the conversations it found. Detection
// MUST rely on schema-shape signals only (key presence), never on content
// heuristics. payload is whatever `json.Unmarshal` produced for the
// top-level document — a []interface{} for array-rooted exports, a
// map[string]interface{} for object-rooted ones.
type Detector func(payload interface{}) (conversations []interface{}, matched bool)

// Extractor turns one format-specific conversation value into an ordered
// list of normalized messages. Extractors MUST set Sequence explicitly,
// even when CreatedAt values collide or are absent.
type Extractor func(conversation interface{}) ([]domain.ExtractedMessage, error)

// Capabilities gates extractor invocation behind policy.
type Capabilities struct {
	RequiresLicense bool
}

// Registration is the triple the registry stores per format, plus the two
// accessors the Import Service needs to key its dedup/incremental-update
// decision: the source-native conversation id and its last-updated time.
type Registration struct {
	Source       domain.SourceType
	Detect       Detector
	Extract      Extractor
	Capabilities Capabilities

	// SourceID returns the format-native conversation identifier, or ""
	// when the format has none (the conversation is then always created
	// fresh, never matched against a prior import).
	SourceID func(conversation interface{}) string

	// SourceUpdatedAt returns the format-native last-updated timestamp, or
	// nil when unavailable.
	SourceUpdatedAt func(conversation interface{}) *time.Time
}

// Registry is the static format table. It is built once at startup
// (see DefaultRegistry) and is safe for concurrent read-only use across
// every worker and poller in the process.
type Registry struct {
	order        []domain.SourceType
	registrations map[domain.SourceType]Registration
}

// NewRegistry builds an empty registry; callers add formats with Register.
func NewRegistry() *Registry {
	return &Registry{registrations: make(map[domain.SourceType]Registration)}
}

// Register adds a format triple. Registering the same SourceType twice
// overwrites the prior registration — used by tests to stub formats.
func (r *Registry) Register(reg Registration) {
	if _, exists := r.registrations[reg.Source]; !exists {
		r.order = append(r.order, reg.Source)
	}
	r.registrations[reg.Source] = reg
}

// Names lists every registered format, in registration order, for the
// FormatDetection error message (spec §7).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, s := range r.order {
		names = append(names, string(s))
	}
	return names
}

// Detect runs every registered detector against payload in registration
// order and returns the first match.
func (r *Registry) Detect(payload interface{}) (Registration, []interface{}, bool) {
	for _, s := range r.order {
		reg := r.registrations[s]
		conversations, matched := reg.Detect(payload)
		if matched {
			return reg, conversations, true
		}
	}
	return Registration{}, nil, false
}

// Lookup returns the registration for a known source type, used once
// Detect (or an explicit override) has identified the format.
func (r *Registry) Lookup(source domain.SourceType) (Registration, bool) {
	reg, ok := r.registrations[source]
	return reg, ok
}

// DefaultRegistry wires every built-in format (spec §4.B): ChatGPT, Claude,
// OpenWebUI, DOCX (licensed), YouTube watch history.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Registration{
		Source: domain.SourceChatGPT, Detect: DetectChatGPT, Extract: ExtractChatGPT,
		SourceID:        func(c interface{}) string { m, _ := asMap(c); return asString(m, "id") },
		SourceUpdatedAt: chatGPTSourceUpdatedAt,
	})
	r.Register(Registration{
		Source: domain.SourceClaude, Detect: DetectClaude, Extract: ExtractClaude,
		SourceID:        func(c interface{}) string { m, _ := asMap(c); return asString(m, "uuid") },
		SourceUpdatedAt: func(c interface{}) *time.Time { m, _ := asMap(c); t, _ := normalizeTimestamp(asString(m, "updated_at")); return t },
	})
	r.Register(Registration{
		Source: domain.SourceOpenWebUI, Detect: DetectOpenWebUI, Extract: ExtractOpenWebUI,
		SourceID:        openWebUISourceID,
		SourceUpdatedAt: openWebUISourceUpdatedAt,
	})
	r.Register(Registration{
		Source: domain.SourceDOCX, Detect: DetectDOCX, Extract: ExtractDOCX,
		Capabilities:    Capabilities{RequiresLicense: true},
		SourceID:        func(c interface{}) string { m, _ := asMap(c); return asString(m, "document_id") },
		SourceUpdatedAt: func(c interface{}) *time.Time { return nil },
	})
	r.Register(Registration{
		Source: domain.SourceYouTube, Detect: DetectYouTube, Extract: ExtractYouTube,
		SourceID:        func(c interface{}) string { return "youtube_watch_history" },
		SourceUpdatedAt: youTubeSourceUpdatedAt,
	})
	return r
}

// normalizeTimestamp applies the epoch-scale inference rules of spec §4.C:
// values above 10^12 are nanoseconds, above 10^11 are milliseconds,
// otherwise seconds; strings are parsed as ISO-8601. Unparseable values
// return (nil, false) and the caller falls back to a default.
func normalizeTimestamp(v interface{}) (*time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return epochToTime(t), true
	case int64:
		return epochToTime(float64(t)), true
	case int:
		return epochToTime(float64(t)), true
	case string:
		if t == "" {
			return nil, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, t)
			if err != nil {
				return nil, false
			}
		}
		utc := parsed.UTC()
		return &utc, true
	default:
		return nil, false
	}
}

func epochToTime(v float64) *time.Time {
	var t time.Time
	switch {
	case v > 1e12:
		t = time.Unix(0, int64(v)).UTC()
	case v > 1e11:
		t = time.UnixMilli(int64(v)).UTC()
	default:
		t = time.Unix(int64(v), 0).UTC()
	}
	return &t
}

// attachmentsFrom normalizes a source-specific attachments slice into the
// uniform {file_name, type, available, extracted_content?, metadata?} shape
// (spec §4.B).
func attachmentsFrom(raw []interface{}, mapper func(interface{}) (domain.Attachment, bool)) []domain.Attachment {
	if len(raw) == 0 {
		return nil
	}
	out := make([]domain.Attachment, 0, len(raw))
	for _, item := range raw {
		if a, ok := mapper(item); ok {
			out = append(out, a)
		}
	}
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asArray(v interface{}) ([]interface{}, bool) {
	a, ok := v.([]interface{})
	return a, ok
}

func asString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func asSlice(m map[string]interface{}, key string) []interface{} {
	if v, ok := m[key]; ok {
		if s, ok := v.([]interface{}); ok {
			return s
		}
	}
	return nil
}

// treeOrder returns the ids of nodes in a deterministic, parent-first
// traversal of a node DAG, for extractors whose source format stores nodes
// in a map keyed by node id (ChatGPT's `mapping`, Open WebUI's
// `chat.history.messages`). encoding/json discards object key order when
// decoding into map[string]interface{}, so ranging over such a map to
// derive a sequence tiebreaker produces a different order every run; this
// walks the parent/children links instead, which is stable regardless of
// map iteration order.
//
// childrenOf returns a node's child ids in source order when the format
// records them explicitly (e.g. ChatGPT's `children` array); returning nil
// falls back to grouping by parentOf and visiting in sorted id order.
// Nodes unreachable from any root (orphaned fragments) are appended last,
// in sorted id order, so nothing is silently dropped.
func treeOrder(nodes map[string]interface{}, parentOf func(id string, raw interface{}) string, childrenOf func(id string, raw interface{}) []string) []string {
	byParent := make(map[string][]string)
	var roots []string
	for id, raw := range nodes {
		p := parentOf(id, raw)
		if p == "" || p == id {
			roots = append(roots, id)
			continue
		}
		if _, ok := nodes[p]; !ok {
			roots = append(roots, id)
			continue
		}
		byParent[p] = append(byParent[p], id)
	}
	sort.Strings(roots)
	for p := range byParent {
		sort.Strings(byParent[p])
	}

	var order []string
	visited := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		order = append(order, id)
		raw := nodes[id]
		if explicit := childrenOf(id, raw); explicit != nil {
			for _, c := range explicit {
				if _, ok := nodes[c]; ok {
					visit(c)
				}
			}
			return
		}
		for _, c := range byParent[id] {
			visit(c)
		}
	}
	for _, r := range roots {
		visit(r)
	}
	var rest []string
	for id := range nodes {
		if !visited[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		visit(id)
	}
	return order
}
