package store

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func apply(t *testing.T, db *DB, now int64, updates map[string]any) {
	t.Helper()
	parsed, err := ParseUpdates(updates)
	if err != nil {
		t.Fatalf("ParseUpdates: %v", err)
	}
	if err := db.Apply(parsed, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{in: "", want: []string{}},
		{in: "/", want: []string{}},
		{in: "a/b/c", want: []string{"a", "b", "c"}},
		{in: "/a//b/", want: []string{"a", "b"}},
		{in: "a/b.c", wantErr: true},
		{in: "a/#", wantErr: true},
		{in: "a/$x", wantErr: true},
		{in: "a/[0]", wantErr: true},
		{in: "a/\x01", wantErr: true},
		{in: strings.Repeat("x", MaxSegmentBytes+1), wantErr: true},
	}
	for _, tt := range tests {
		got, err := SplitPath(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("SplitPath(%q) err = %v, want ErrInvalidPath", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("SplitPath(%q): %v", tt.in, err)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestChildOrdering(t *testing.T) {
	names := []string{"b", "10", "a", "2", "-Nabc", "1"}
	SortChildren(names)
	assert.Equal(t, []string{"1", "2", "10", "-Nabc", "a", "b"}, names)
}

func TestApplyAndGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	apply(t, db, 1000, map[string]any{
		"conversations/c1": map[string]any{
			"id":      "c1",
			"type":    "group",
			"title":   "Team",
			"members": []any{"1", "2", "3"},
		},
	})

	v, ok, err := db.Get("conversations/c1")
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var got struct {
		ID      string   `json:"id"`
		Type    string   `json:"type"`
		Title   string   `json:"title"`
		Members []string `json:"members"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "group", got.Type)
	assert.Equal(t, "Team", got.Title)
	assert.Equal(t, []string{"1", "2", "3"}, got.Members)

	title, ok, err := db.Get("conversations/c1/title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Team", title)
}

func TestApplyReplacesSubtree(t *testing.T) {
	db := openTestDB(t)
	apply(t, db, 1, map[string]any{"a": map[string]any{"x": 1, "y": 2}})
	apply(t, db, 1, map[string]any{"a": map[string]any{"z": 3}})

	children, err := db.Children("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, children)
}

func TestApplyMergesSiblingPaths(t *testing.T) {
	db := openTestDB(t)
	apply(t, db, 1, map[string]any{"a": map[string]any{"x": 1, "y": 2}})
	apply(t, db, 1, map[string]any{"a/y": 5, "a/w": "new"})

	v, ok, err := db.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, json.Number("1"), m["x"])
	assert.Equal(t, json.Number("5"), m["y"])
	assert.Equal(t, "new", m["w"])
}

func TestApplyNullDeletes(t *testing.T) {
	db := openTestDB(t)
	apply(t, db, 1, map[string]any{"a/b": "x", "a/c": "y"})
	apply(t, db, 1, map[string]any{"a/b": nil})

	ok, err := db.Exists("a/b")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = db.Exists("a/c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyOverwritesScalarAncestor(t *testing.T) {
	db := openTestDB(t)
	apply(t, db, 1, map[string]any{"a": "scalar"})
	apply(t, db, 1, map[string]any{"a/b/c": true})

	v, ok, err := db.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"b": map[string]any{"c": true}}, v)
}

func TestParseUpdatesRejectsOverlap(t *testing.T) {
	_, err := ParseUpdates(map[string]any{"a/b": 1, "a/b/c": 2})
	if !errors.Is(err, ErrOverlappingPaths) {
		t.Fatalf("expected ErrOverlappingPaths, got %v", err)
	}
	_, err = ParseUpdates(map[string]any{"": 1})
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for root write, got %v", err)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	db := openTestDB(t)
	apply(t, db, 1, map[string]any{"keep": "me"})

	parsed, err := ParseUpdates(map[string]any{
		"good": "value",
		"bad":  map[string]any{"in.valid": 1},
	})
	require.NoError(t, err)
	if err := db.Apply(parsed, 1); err == nil {
		t.Fatalf("expected apply to fail on invalid nested key")
	}

	ok, err := db.Exists("good")
	require.NoError(t, err)
	assert.False(t, ok, "partial write landed")
	ok, err = db.Exists("keep")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServerTimestampResolved(t *testing.T) {
	db := openTestDB(t)
	apply(t, db, 1712345678901, map[string]any{
		"conversations/c1/updatedAt": map[string]any{ServerValueKey: "timestamp"},
	})
	v, ok, err := db.Get("conversations/c1/updatedAt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, json.Number("1712345678901"), v)
}

func TestChildrenInStoreOrder(t *testing.T) {
	db := openTestDB(t)
	gen := NewKeyGen()
	var keys []string
	updates := map[string]any{}
	for i := 0; i < 5; i++ {
		k := gen.Next()
		keys = append(keys, k)
		updates["messages/c1/"+k] = map[string]any{"text": "hi", "senderId": "1"}
	}
	apply(t, db, 1, updates)

	children, err := db.Children("messages/c1")
	require.NoError(t, err)
	assert.Equal(t, keys, children)
}

func TestMissingPath(t *testing.T) {
	db := openTestDB(t)
	v, ok, err := db.Get("nothing/here")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)

	children, err := db.Children("nothing")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestClosedStore(t *testing.T) {
	db, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	_, _, err = db.Get("a")
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}
