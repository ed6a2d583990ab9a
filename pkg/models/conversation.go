package models

import (
	"errors"
	"fmt"
)

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// PrivateRegistryTitle is stored on the registry record of every private
// conversation; each member's directory copy carries the counterpart's name.
const PrivateRegistryTitle = "Direct Message"

var (
	ErrTooFewMembers   = errors.New("conversation needs at least two distinct members")
	ErrPrivateMembers  = errors.New("private conversation needs exactly two members")
	ErrUnknownConvType = errors.New("unknown conversation type")
	ErrDuplicateMember = errors.New("duplicate member")
	ErrMissingID       = errors.New("conversation id missing")
)

// Conversation is the registry record at conversations/{id}.
type Conversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Title     string           `json:"title"`
	Members   []string         `json:"members"`
	CreatedAt int64            `json:"createdAt"`
	UpdatedAt int64            `json:"updatedAt"`
}

// ConversationSummary is a member's directory copy at
// userConversations/{userId}/{id}.
type ConversationSummary struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	Title       string           `json:"title"`
	Members     []string         `json:"members"`
	CreatedAt   int64            `json:"createdAt"`
	UpdatedAt   int64            `json:"updatedAt"`
	LastMessage string           `json:"lastMessage,omitempty"`
}

// Summary returns the directory copy of c carrying title.
func (c Conversation) Summary(title string) ConversationSummary {
	return ConversationSummary{
		ID:        c.ID,
		Type:      c.Type,
		Title:     title,
		Members:   append([]string(nil), c.Members...),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (c Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the other member of a private conversation.
func (c Conversation) Counterpart(userID string) string {
	if c.Type != ConversationPrivate {
		return ""
	}
	for _, m := range c.Members {
		if m != userID {
			return m
		}
	}
	return ""
}

// Validate checks the membership invariants of a registry record.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return ErrMissingID
	}
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if m == "" {
			return fmt.Errorf("%w: empty member id", ErrTooFewMembers)
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, m)
		}
		seen[m] = struct{}{}
	}
	if len(seen) < 2 {
		return ErrTooFewMembers
	}
	switch c.Type {
	case ConversationPrivate:
		if len(seen) != 2 {
			return ErrPrivateMembers
		}
	case ConversationGroup:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConvType, c.Type)
	}
	return nil
}

// PairRecord is the private pair index value.
type PairRecord struct {
	ID string `json:"id"`
}
