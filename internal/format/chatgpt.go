package format

import (
	"time"

	"github.com/dovos/conversation-archive/internal/domain"
)

// DetectChatGPT recognizes the OpenAI ChatGPT export shape: a top-level
// array of conversation objects, each carrying a `mapping` tree keyed by
// node id (spec §4.B — schema-shape signal, not content heuristics).
func DetectChatGPT(payload interface{}) ([]interface{}, bool) {
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
		if _, hasMapping := m["mapping"]; !hasMapping {
			return nil, false
		}
		matched = append(matched, item)
	}
	if len(matched) == 0 {
		return nil, false
	}
	return matched, true
}

// ExtractChatGPT walks a conversation's `mapping` node tree. Nodes form a
// DAG via `parent`/`children`; treeOrder walks those links to assign an
// explicit Sequence deterministically, since ranging over the `mapping` map
// directly would make Sequence depend on Go's randomized map iteration
// order whenever two nodes share (or lack) a create_time.
func ExtractChatGPT(conversation interface{}) ([]domain.ExtractedMessage, error) {
	conv, ok := asMap(conversation)
	if !ok {
		return nil, nil
	}
	mapping, ok := asMap(conv["mapping"])
	if !ok {
		return nil, nil
	}

	nodesRaw := make(map[string]interface{}, len(mapping))
	for id, raw := range mapping {
		nodesRaw[id] = raw
	}
	ids := treeOrder(nodesRaw,
		func(_ string, raw interface{}) string {
			nm, _ := asMap(raw)
			return asString(nm, "parent")
		},
		func(_ string, raw interface{}) []string {
			nm, _ := asMap(raw)
			children := asSlice(nm, "children")
			if children == nil {
				return nil
			}
			out := make([]string, 0, len(children))
			for _, c := range children {
				if s, ok := c.(string); ok {
					out = append(out, s)
				}
			}
			return out
		})

	out := make([]domain.ExtractedMessage, 0, len(ids))
	seq := 0
	for _, id := range ids {
		nm, ok := asMap(mapping[id])
		if !ok {
			continue
		}
		msg, ok := asMap(nm["message"])
		if !ok {
			continue
		}
		content := chatGPTContentText(msg)
		if content == "" {
			continue
		}
		role := chatGPTRole(msg)
		if role == "" {
			continue
		}
		var createdAt *time.Time
		if ct, ok := msg["create_time"].(float64); ok && ct > 0 {
			createdAt, _ = normalizeTimestamp(ct)
		}
		out = append(out, domain.ExtractedMessage{
			Role:      role,
			Content:   content,
			CreatedAt: createdAt,
			Sequence:  seq,
			Metadata:  map[string]interface{}{"node_id": id},
		})
		seq++
	}
	return out, nil
}

func chatGPTRole(msg map[string]interface{}) domain.MessageRole {
	author, ok := asMap(msg["author"])
	if !ok {
		return ""
	}
	role := asString(author, "role")
	switch role {
	case "user":
		return domain.RoleUser
	case "assistant":
		return domain.RoleAssistant
	case "system":
		return domain.RoleSystem
	default:
		return ""
	}
}

// chatGPTSourceUpdatedAt reads the conversation-level `update_time` epoch
// field (seconds, per ChatGPT's export convention).
func chatGPTSourceUpdatedAt(c interface{}) *time.Time {
	m, ok := asMap(c)
	if !ok {
		return nil
	}
	ut, ok := m["update_time"].(float64)
	if !ok {
		return nil
	}
	t, ok := normalizeTimestamp(ut)
	if !ok {
		return nil
	}
	return t
}

func chatGPTContentText(msg map[string]interface{}) string {
	content, ok := asMap(msg["content"])
	if !ok {
		return ""
	}
	parts := asSlice(content, "parts")
	var text string
	for _, p := range parts {
		if s, ok := p.(string); ok {
			if text != "" {
				text += "\n"
			}
			text += s
		}
	}
	return text
}
