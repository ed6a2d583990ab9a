package models

import (
	"errors"
	"testing"
)

func TestPairKeyIsSymmetricAndNumeric(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"1", "2", "1_2"},
		{"2", "1", "1_2"},
		{"9", "10", "9_10"},
		{"10", "9", "9_10"},
		{"b", "a", "a_b"},
	}
	for _, tt := range tests {
		if got := PairKey(tt.a, tt.b); got != tt.want {
			t.Fatalf("PairKey(%q,%q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
	a, b, ok := SplitPairKey("9_10")
	if !ok || a != "9" || b != "10" {
		t.Fatalf("SplitPairKey = %q %q %v", a, b, ok)
	}
}

func TestConversationValidate(t *testing.T) {
	tests := []struct {
		name string
		c    Conversation
		want error
	}{
		{"private ok", Conversation{ID: "c", Type: ConversationPrivate, Members: []string{"1", "2"}}, nil},
		{"group ok", Conversation{ID: "c", Type: ConversationGroup, Members: []string{"1", "2", "3"}}, nil},
		{"single member", Conversation{ID: "c", Type: ConversationGroup, Members: []string{"1"}}, ErrTooFewMembers},
		{"duplicate", Conversation{ID: "c", Type: ConversationGroup, Members: []string{"1", "1"}}, ErrDuplicateMember},
		{"private with three", Conversation{ID: "c", Type: ConversationPrivate, Members: []string{"1", "2", "3"}}, ErrPrivateMembers},
		{"bad type", Conversation{ID: "c", Type: "channel", Members: []string{"1", "2"}}, ErrUnknownConvType},
		{"no id", Conversation{Type: ConversationGroup, Members: []string{"1", "2"}}, ErrMissingID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCounterpart(t *testing.T) {
	c := Conversation{ID: "c", Type: ConversationPrivate, Members: []string{"1", "2"}}
	if got := c.Counterpart("1"); got != "2" {
		t.Fatalf("Counterpart = %q", got)
	}
	g := Conversation{ID: "g", Type: ConversationGroup, Members: []string{"1", "2"}}
	if got := g.Counterpart("1"); got != "" {
		t.Fatalf("group Counterpart = %q", got)
	}
}
