package messaging

import (
	"fmt"

	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
)

// Every conversation or message mutation is built here as one multi-path
// update, so the registry and the directory copies change together.

func registryRecord(c models.Conversation) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"type":      string(c.Type),
		"title":     c.Title,
		"members":   c.Members,
		"createdAt": realtime.ServerTimestamp(),
		"updatedAt": realtime.ServerTimestamp(),
	}
}

func directoryRecord(c models.Conversation, title string) map[string]any {
	rec := registryRecord(c)
	rec["title"] = title
	return rec
}

// privateConversationUpdates creates the registry record, both directory
// copies and the pair index. The creator's copy is titled with the
// counterpart's name and the counterpart's copy with the creator's.
func privateConversationUpdates(c models.Conversation, self realtime.User, counterpartTitle string) (realtime.Updates, error) {
	if c.Type != models.ConversationPrivate {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownConvType, c.Type)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	other := c.Counterpart(self.ID)
	if other == "" || !c.HasMember(self.ID) {
		return nil, ErrInvalidCounterpart
	}
	return realtime.Updates{
		models.ConversationPath(c.ID):              registryRecord(c),
		models.UserConversationPath(self.ID, c.ID): directoryRecord(c, counterpartTitle),
		models.UserConversationPath(other, c.ID):   directoryRecord(c, self.Name),
		models.PrivatePairPath(self.ID, other):     models.PairRecord{ID: c.ID},
	}, nil
}

// groupConversationUpdates replicates one title into every member's copy.
func groupConversationUpdates(c models.Conversation) (realtime.Updates, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	u := realtime.Updates{models.ConversationPath(c.ID): registryRecord(c)}
	for _, m := range c.Members {
		u[models.UserConversationPath(m, c.ID)] = directoryRecord(c, c.Title)
	}
	return u, nil
}

// sendUpdates writes the message and bumps the registry and every member's
// directory entry.
func sendUpdates(cid, mid string, members []string, msg models.Message) realtime.Updates {
	u := realtime.Updates{
		models.MessagePath(cid, mid):                msg,
		models.ConversationPath(cid) + "/updatedAt": realtime.ServerTimestamp(),
	}
	for _, m := range members {
		base := models.UserConversationPath(m, cid)
		u[base+"/lastMessage"] = msg.Text
		u[base+"/updatedAt"] = realtime.ServerTimestamp()
	}
	return u
}

func seenUpdates(cid, userID string, ids []string, at int64) realtime.Updates {
	u := make(realtime.Updates, len(ids))
	for _, id := range ids {
		u[models.SeenByPath(cid, id, userID)] = at
	}
	return u
}
