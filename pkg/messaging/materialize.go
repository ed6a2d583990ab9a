package messaging

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/store"
)

// materializeMessage turns a message node into a Message. Nodes without
// text or without a numeric sender are dropped.
func materializeMessage(cid, id string, v any) (models.Message, bool) {
	node, ok := v.(map[string]any)
	if !ok {
		return models.Message{}, false
	}
	text, _ := node["text"].(string)
	if strings.TrimSpace(text) == "" {
		return models.Message{}, false
	}
	sender, ok := idString(node["senderId"])
	if !ok || !models.IsNumericID(sender) {
		return models.Message{}, false
	}

	m := models.Message{
		ID:             id,
		ConversationID: cid,
		Text:           text,
		SenderID:       sender,
	}
	m.SenderName, _ = node["senderName"].(string)
	m.SentAt, _ = toInt64(node["sentAt"])
	if seen, ok := node["seenBy"].(map[string]any); ok {
		m.SeenBy = make(map[string]int64, len(seen))
		for uid, at := range seen {
			ts, ok := toInt64(at)
			if !ok {
				continue
			}
			m.SeenBy[uid] = ts
		}
	}
	return m, true
}

// materializeAll reads every message under a messages/{cid} value snapshot
// in push order.
func materializeAll(cid string, snap realtime.Snapshot) []models.Message {
	children := snap.Children()
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	store.SortChildren(keys)

	out := make([]models.Message, 0, len(keys))
	for _, k := range keys {
		if m, ok := materializeMessage(cid, k, children[k]); ok {
			out = append(out, m)
		}
	}
	return out
}

func idString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case json.Number:
		return t.String(), true
	case float64:
		if t != math.Trunc(t) {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		f, err := t.Float64()
		return int64(f), err == nil
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}
