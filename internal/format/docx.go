package format

import (
	"github.com/dovos/conversation-archive/internal/domain"
)

// DetectDOCX recognizes a pre-extracted DOCX payload: a document converted
// upstream (outside this module's scope, per Non-goals) into a flat
// `paragraphs` array of strings. This format requires a license
// capability (spec §4.B, §4.C step 2).
func DetectDOCX(payload interface{}) ([]interface{}, bool) {
	m, ok := asMap(payload)
	if !ok {
		return nil, false
	}
	if _, has := m["paragraphs"]; !has {
		return nil, false
	}
	return []interface{}{m}, true
}

// ExtractDOCX treats the whole document as a single conversation with one
// system-role message per non-empty paragraph, preserving file order via
// Sequence since a document has no natural per-paragraph timestamp.
func ExtractDOCX(conversation interface{}) ([]domain.ExtractedMessage, error) {
	conv, ok := asMap(conversation)
	if !ok {
		return nil, nil
	}
	paragraphs := asSlice(conv, "paragraphs")

	out := make([]domain.ExtractedMessage, 0, len(paragraphs))
	seq := 0
	for _, raw := range paragraphs {
		text, ok := raw.(string)
		if !ok || text == "" {
			continue
		}
		out = append(out, domain.ExtractedMessage{
			Role:     domain.RoleSystem,
			Content:  text,
			Sequence: seq,
		})
		seq++
	}
	return out, nil
}
