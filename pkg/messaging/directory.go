package messaging

import (
	"sort"

	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/store"
)

// parseDirectory projects userConversations/{uid} into summaries ordered
// by updatedAt, newest first. Equal timestamps keep store order.
func parseDirectory(snap realtime.Snapshot) []models.ConversationSummary {
	children := snap.Children()
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	store.SortChildren(keys)

	out := make([]models.ConversationSummary, 0, len(keys))
	for _, k := range keys {
		entry, ok := children[k].(map[string]any)
		if !ok {
			continue
		}
		out = append(out, summaryFrom(k, entry))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

func summaryFrom(key string, entry map[string]any) models.ConversationSummary {
	s := models.ConversationSummary{ID: key}
	if id, ok := idString(entry["id"]); ok {
		s.ID = id
	}
	if t, ok := entry["type"].(string); ok {
		s.Type = models.ConversationType(t)
	}
	s.Title, _ = entry["title"].(string)
	s.LastMessage, _ = entry["lastMessage"].(string)
	s.CreatedAt, _ = toInt64(entry["createdAt"])
	s.UpdatedAt, _ = toInt64(entry["updatedAt"])
	switch ms := entry["members"].(type) {
	case []any:
		for _, m := range ms {
			if id, ok := idString(m); ok {
				s.Members = append(s.Members, id)
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(ms))
		for k := range ms {
			keys = append(keys, k)
		}
		store.SortChildren(keys)
		for _, k := range keys {
			if id, ok := idString(ms[k]); ok {
				s.Members = append(s.Members, id)
			}
		}
	}
	return s
}

// mostRecent returns the conversation to auto-select: the first entry of
// a list ordered by parseDirectory.
func mostRecent(list []models.ConversationSummary) (string, bool) {
	if len(list) == 0 {
		return "", false
	}
	return list[0].ID, true
}
