package format

import (
	"github.com/dovos/conversation-archive/internal/domain"
)

// DetectClaude recognizes the Anthropic Claude export shape: objects
// carrying a `chat_messages` array, either as a single conversation object
// or as a top-level array of them.
func DetectClaude(payload interface{}) ([]interface{}, bool) {
	if m, ok := asMap(payload); ok {
		if _, has := m["chat_messages"]; has {
			return []interface{}{m}, true
		}
		return nil, false
	}
	items, ok := asArray(payload)
	if !ok {
		return nil, false
	}
	var matched []interface{}
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			return nil, false
		}
		if _, has := m["chat_messages"]; !has {
			return nil, false
		}
		matched = append(matched, item)
	}
	if len(matched) == 0 {
		return nil, false
	}
	return matched, true
}

// ExtractClaude reads `chat_messages` in file order, which Claude exports
// already preserve, but we still assign an explicit Sequence per §4.B's
// requirement that extractors never rely on timestamp ordering alone.
func ExtractClaude(conversation interface{}) ([]domain.ExtractedMessage, error) {
	conv, ok := asMap(conversation)
	if !ok {
		return nil, nil
	}
	messages := asSlice(conv, "chat_messages")

	out := make([]domain.ExtractedMessage, 0, len(messages))
	seq := 0
	for _, raw := range messages {
		m, ok := asMap(raw)
		if !ok {
			continue
		}
		content := claudeContentText(m)
		if content == "" {
			continue
		}
		role := domain.RoleAssistant
		if asString(m, "sender") == "human" {
			role = domain.RoleUser
		}
		createdAt, _ := normalizeTimestamp(asString(m, "created_at"))

		attachments := attachmentsFrom(asSlice(m, "attachments"), func(v interface{}) (domain.Attachment, bool) {
			am, ok := asMap(v)
			if !ok {
				return domain.Attachment{}, false
			}
			return domain.Attachment{
				FileName:         asString(am, "file_name"),
				Type:             asString(am, "file_type"),
				Available:        true,
				ExtractedContent: asString(am, "extracted_content"),
			}, true
		})

		out = append(out, domain.ExtractedMessage{
			Role:        role,
			Content:     content,
			CreatedAt:   createdAt,
			Sequence:    seq,
			Attachments: attachments,
		})
		seq++
	}
	return out, nil
}

func claudeContentText(m map[string]interface{}) string {
	if text := asString(m, "text"); text != "" {
		return text
	}
	var out string
	for _, block := range asSlice(m, "content") {
		bm, ok := asMap(block)
		if !ok {
			continue
		}
		if t := asString(bm, "text"); t != "" {
			if out != "" {
				out += "\n"
			}
			out += t
		}
	}
	return out
}
