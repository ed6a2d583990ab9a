package messaging

import "portalchat/pkg/models"

// CountUnread returns how many messages of conversationID userID has not
// marked as seen. Messages from other conversations are ignored.
func CountUnread(conversationID string, messages []models.Message, userID string) int {
	n := 0
	for _, m := range messages {
		if m.ConversationID != "" && m.ConversationID != conversationID {
			continue
		}
		if !m.SeenByUser(userID) {
			n++
		}
	}
	return n
}
