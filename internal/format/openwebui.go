package format

import (
	"time"

	"github.com/dovos/conversation-archive/internal/domain"
)

// DetectOpenWebUI recognizes the Open WebUI export shape: objects nesting
// `chat.history.messages`, either singly or as an array of such objects.
func DetectOpenWebUI(payload interface{}) ([]interface{}, bool) {
	if m, ok := asMap(payload); ok {
		if hasOpenWebUIShape(m) {
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
		if !hasOpenWebUIShape(m) {
			return nil, false
		}
		matched = append(matched, item)
	}
	if len(matched) == 0 {
		return nil, false
	}
	return matched, true
}

// openWebUISourceID prefers the top-level chat id, falling back to the
// nested chat.id some exports use instead.
func openWebUISourceID(c interface{}) string {
	m, ok := asMap(c)
	if !ok {
		return ""
	}
	if id := asString(m, "id"); id != "" {
		return id
	}
	chat, _ := asMap(m["chat"])
	return asString(chat, "id")
}

// openWebUISourceUpdatedAt reads the conversation-level `updated_at` epoch
// field, checked at both the top level and inside the nested chat object.
func openWebUISourceUpdatedAt(c interface{}) *time.Time {
	m, ok := asMap(c)
	if !ok {
		return nil
	}
	if ts, ok := m["updated_at"].(float64); ok {
		if t, ok := normalizeTimestamp(ts); ok {
			return t
		}
	}
	chat, _ := asMap(m["chat"])
	if ts, ok := chat["updated_at"].(float64); ok {
		if t, ok := normalizeTimestamp(ts); ok {
			return t
		}
	}
	return nil
}

func hasOpenWebUIShape(m map[string]interface{}) bool {
	chat, ok := asMap(m["chat"])
	if !ok {
		return false
	}
	history, ok := asMap(chat["history"])
	if !ok {
		return false
	}
	_, has := history["messages"]
	return has
}

// ExtractOpenWebUI walks `chat.history.messages`, a map keyed by message id
// with a `parentId` chain, the same DAG shape ChatGPT uses under a
// different top-level path. treeOrder walks parentId links to assign an
// explicit Sequence deterministically, rather than ranging over the
// `messages` map directly — the map's iteration order is randomized per
// run and would otherwise make Sequence non-deterministic whenever nodes
// share (or lack) a timestamp, which is common for the chat's root node.
func ExtractOpenWebUI(conversation interface{}) ([]domain.ExtractedMessage, error) {
	conv, ok := asMap(conversation)
	if !ok {
		return nil, nil
	}
	chat, _ := asMap(conv["chat"])
	history, _ := asMap(chat["history"])
	messages, ok := asMap(history["messages"])
	if !ok {
		return nil, nil
	}

	nodesRaw := make(map[string]interface{}, len(messages))
	for id, raw := range messages {
		nodesRaw[id] = raw
	}
	ids := treeOrder(nodesRaw,
		func(_ string, raw interface{}) string {
			m, _ := asMap(raw)
			return asString(m, "parentId")
		},
		func(_ string, raw interface{}) []string {
			m, _ := asMap(raw)
			children := asSlice(m, "childrenIds")
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
		m, ok := asMap(messages[id])
		if !ok {
			continue
		}
		content := asString(m, "content")
		if content == "" {
			continue
		}
		role := domain.RoleAssistant
		switch asString(m, "role") {
		case "user":
			role = domain.RoleUser
		case "system":
			role = domain.RoleSystem
		}
		var createdAt *time.Time
		if ts, ok := m["timestamp"].(float64); ok && ts > 0 {
			createdAt, _ = normalizeTimestamp(ts)
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
