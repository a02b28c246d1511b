package format

import (
	"net/url"
	"strings"
	"time"

	"github.com/dovos/conversation-archive/internal/domain"
)

// DetectYouTube recognizes a Google Takeout YouTube watch-history export: a
// top-level array of events each carrying `titleUrl` (spec §4.B). The
// entire array is returned as a single synthetic conversation, per spec
// §4.C step 5.
func DetectYouTube(payload interface{}) ([]interface{}, bool) {
	items, ok := asArray(payload)
	if !ok || len(items) == 0 {
		return nil, false
	}
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			return nil, false
		}
		if _, has := m["titleUrl"]; !has {
			return nil, false
		}
	}
	return []interface{}{items}, true
}

// ExtractYouTube turns each watch event into one message. When the event's
// URL carries a `v=` video id, metadata.video_id is set so the Import
// Service can enqueue a youtube_transcription job alongside the embedding
// job for that message.
func ExtractYouTube(conversation interface{}) ([]domain.ExtractedMessage, error) {
	events, ok := asArray(conversation)
	if !ok {
		return nil, nil
	}

	out := make([]domain.ExtractedMessage, 0, len(events))
	for seq, raw := range events {
		m, ok := asMap(raw)
		if !ok {
			continue
		}
		title := asString(m, "title")
		if title == "" {
			continue
		}
		createdAt, _ := normalizeTimestamp(asString(m, "time"))

		meta := map[string]interface{}{}
		if vid := videoIDFromURL(asString(m, "titleUrl")); vid != "" {
			meta["video_id"] = vid
		}

		out = append(out, domain.ExtractedMessage{
			Role:      domain.RoleUser,
			Content:   title,
			CreatedAt: createdAt,
			Sequence:  seq,
			Metadata:  meta,
		})
	}
	return out, nil
}

// youTubeSourceUpdatedAt is the latest event timestamp in the watch-history
// array, since the synthetic conversation as a whole has no native
// updated_at — freshness is defined by its most recent event.
func youTubeSourceUpdatedAt(c interface{}) *time.Time {
	events, ok := asArray(c)
	if !ok {
		return nil
	}
	var latest *time.Time
	for _, raw := range events {
		m, ok := asMap(raw)
		if !ok {
			continue
		}
		t, ok := normalizeTimestamp(asString(m, "time"))
		if !ok {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = t
		}
	}
	return latest
}

func videoIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	return strings.TrimPrefix(u.Path, "/watch/")
}
