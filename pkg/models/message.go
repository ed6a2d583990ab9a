package models

// Message is a node at messages/{conversationId}/{messageId}. Only SeenBy
// changes after creation.
type Message struct {
	ID             string           `json:"-"`
	ConversationID string           `json:"-"`
	Text           string           `json:"text"`
	SenderID       string           `json:"senderId"`
	SenderName     string           `json:"senderName"`
	SentAt         int64            `json:"sentAt"`
	SeenBy         map[string]int64 `json:"seenBy,omitempty"`
}

func (m Message) SeenByUser(userID string) bool {
	_, ok := m.SeenBy[userID]
	return ok
}
