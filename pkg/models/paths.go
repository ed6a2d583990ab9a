package models

import (
	"strconv"
	"strings"
)

const (
	RootUserConversations = "userConversations"
	RootConversations     = "conversations"
	RootPrivatePairs      = "privatePairs"
	RootMessages          = "messages"
	RootProfiles          = "profiles"
)

func UserConversationsPath(userID string) string {
	return RootUserConversations + "/" + userID
}

func UserConversationPath(userID, conversationID string) string {
	return RootUserConversations + "/" + userID + "/" + conversationID
}

func ConversationPath(conversationID string) string {
	return RootConversations + "/" + conversationID
}

func MessagesPath(conversationID string) string {
	return RootMessages + "/" + conversationID
}

func MessagePath(conversationID, messageID string) string {
	return RootMessages + "/" + conversationID + "/" + messageID
}

func SeenByPath(conversationID, messageID, userID string) string {
	return MessagePath(conversationID, messageID) + "/seenBy/" + userID
}

func ProfilePath(userID string) string {
	return RootProfiles + "/" + userID
}

func PrivatePairPath(a, b string) string {
	return RootPrivatePairs + "/" + PairKey(a, b)
}

// PairKey orders two user ids (numerically when both are numeric) and joins
// them with an underscore, so both sides compute the same key.
func PairKey(a, b string) string {
	if pairLess(b, a) {
		a, b = b, a
	}
	return a + "_" + b
}

// SplitPairKey is the inverse of PairKey.
func SplitPairKey(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, "_")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

func pairLess(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

// IsNumericID reports whether id is a non-empty string of decimal digits.
func IsNumericID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}
