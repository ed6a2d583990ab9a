package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
)

func TestCountUnread(t *testing.T) {
	msgs := []models.Message{
		{ID: "m1", ConversationID: "c1", SeenBy: map[string]int64{"1": 5}},
		{ID: "m2", ConversationID: "c1"},
		{ID: "m3", ConversationID: "c2"},
	}
	tests := []struct {
		user string
		want int
	}{
		{"1", 1},
		{"2", 2},
	}
	for _, tc := range tests {
		if got := CountUnread("c1", msgs, tc.user); got != tc.want {
			t.Fatalf("CountUnread(c1, %s) = %d, want %d", tc.user, got, tc.want)
		}
	}
	if got := CountUnread("c1", nil, "1"); got != 0 {
		t.Fatalf("empty list counted %d", got)
	}
}

func TestMaterializeMessage(t *testing.T) {
	tests := []struct {
		name string
		node any
		ok   bool
	}{
		{"valid json number sender", map[string]any{"text": "hi", "senderId": json.Number("7")}, true},
		{"valid string sender", map[string]any{"text": "hi", "senderId": "7"}, true},
		{"blank text", map[string]any{"text": " ", "senderId": "7"}, false},
		{"missing text", map[string]any{"senderId": "7"}, false},
		{"text not a string", map[string]any{"text": 3, "senderId": "7"}, false},
		{"non numeric sender", map[string]any{"text": "hi", "senderId": "u7"}, false},
		{"fractional sender", map[string]any{"text": "hi", "senderId": 7.5}, false},
		{"scalar node", "hi", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := materializeMessage("c1", "m1", tc.node)
			assert.Equal(t, tc.ok, ok)
		})
	}

	m, ok := materializeMessage("c1", "m1", map[string]any{
		"text":       "hi",
		"senderId":   json.Number("7"),
		"senderName": "Seven",
		"sentAt":     json.Number("1700000000000"),
		"seenBy":     map[string]any{"7": json.Number("1700000000001"), "bad": "x"},
	})
	require.True(t, ok)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Equal(t, int64(1700000000000), m.SentAt)
	assert.Equal(t, map[string]int64{"7": 1700000000001}, m.SeenBy)
}

func TestParseDirectoryOrder(t *testing.T) {
	snap := realtime.Snapshot{Exists: true, Value: map[string]any{
		"b": map[string]any{"id": "b", "type": "group", "updatedAt": json.Number("5"), "members": []any{"1", "2"}},
		"a": map[string]any{"id": "a", "type": "group", "updatedAt": json.Number("5")},
		"c": map[string]any{"id": "c", "type": "private", "updatedAt": json.Number("9"), "lastMessage": "yo"},
		"x": "not an entry",
	}}
	list := parseDirectory(snap)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "yo", list[0].LastMessage)
	// equal timestamps keep store order
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "b", list[2].ID)
	assert.Equal(t, []string{"1", "2"}, list[2].Members)

	id, ok := mostRecent(list)
	assert.True(t, ok)
	assert.Equal(t, "c", id)
	_, ok = mostRecent(nil)
	assert.False(t, ok)
}

type fakeSearch struct {
	users []models.UserSummary
	err   error
}

func (f fakeSearch) Search(context.Context, string) ([]models.UserSummary, error) {
	return f.users, f.err
}

func TestPicker(t *testing.T) {
	users := []models.UserSummary{{ID: "1", Name: "Alice"}, {ID: "2", Name: "Bob"}, {ID: "3", Name: "Cy"}}
	p := NewPicker(fakeSearch{users: users}, "1")

	got := p.Search(context.Background(), "")
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)

	failing := NewPicker(fakeSearch{err: errors.New("boom")}, "1")
	got = failing.Search(context.Background(), "b")
	assert.NotNil(t, got)
	assert.Empty(t, got)

	p.Toggle("2")
	p.Toggle("3")
	p.Toggle("1")
	p.Toggle("2")
	assert.Equal(t, []string{"3"}, p.Selected())
	p.Reset()
	assert.Empty(t, p.Selected())
}

type fakeLookup struct {
	calls atomic.Int32
	name  string
	err   error
}

func (f *fakeLookup) Lookup(_ context.Context, id string) (models.UserSummary, bool, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.UserSummary{}, false, f.err
	}
	return models.UserSummary{ID: id, Name: f.name}, true, nil
}

func TestNameCache(t *testing.T) {
	lookup := &fakeLookup{name: "Bob"}
	resolved := make(chan string, 1)
	c := NewNameCache(lookup, func(id string) { resolved <- id })

	assert.Equal(t, LoadingName, c.Name("2"))
	select {
	case id := <-resolved:
		assert.Equal(t, "2", id)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never resolved")
	}
	assert.Equal(t, "Bob", c.Name("2"))
	assert.Equal(t, int32(1), lookup.calls.Load())

	c.Set("3", "Cy")
	assert.Equal(t, "Cy", c.Name("3"))
}

func TestNameCacheFailureKeepsPlaceholder(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("directory down")}
	c := NewNameCache(lookup, nil)

	assert.Equal(t, LoadingName, c.Name("2"))
	require.Eventually(t, func() bool { return lookup.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, failed := c.failed["2"]
		return failed
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, LoadingName, c.Name("2"))
	assert.Equal(t, int32(1), lookup.calls.Load())
}

func TestPrivateTitleFallsBackToLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.Update(ctx, realtime.Updates{
		models.UserConversationPath("1", "dm"): map[string]any{"id": "dm", "type": "private", "title": "", "members": []string{"1", "2"}, "updatedAt": 1},
	}))
	lookup := &fakeLookup{name: "Bob"}
	s := f.session(t, alice, Options{Users: lookup, DisableAutoSeen: true})

	v := waitFor(t, s, "resolved title", func(v View) bool {
		return len(v.Conversations) == 1 && v.Conversations[0].Title == "Bob"
	})
	assert.Equal(t, "dm", v.Conversations[0].ID)
}
