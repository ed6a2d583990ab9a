package messaging

import (
	"context"
	"strings"
)

// Sender is the send side of a Session.
type Sender interface {
	SendMessage(ctx context.Context, text string) (string, error)
}

// Composer is the message input. Whitespace-only input is never sent.
type Composer struct {
	sender Sender
	draft  string
}

func NewComposer(sender Sender) *Composer {
	return &Composer{sender: sender}
}

func (c *Composer) SetDraft(text string) { c.draft = text }

func (c *Composer) Draft() string { return c.draft }

// Submit sends text and clears the draft on success. The draft is kept
// when the send fails so the user can retry.
func (c *Composer) Submit(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	id, err := c.sender.SendMessage(ctx, text)
	if err != nil {
		c.draft = text
		return "", err
	}
	c.draft = ""
	return id, nil
}
