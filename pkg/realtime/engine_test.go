package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/pkg/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	e := New(db)
	t.Cleanup(func() {
		e.Close()
		_ = db.Close()
	})
	return e
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	ch    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 1024)}
}

func (r *recorder) fn(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) waitN(t *testing.T, n int) []Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.snaps) >= n {
			out := append([]Snapshot(nil), r.snaps...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			r.mu.Lock()
			got := len(r.snaps)
			r.mu.Unlock()
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
}

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.Key)
	}
	return out
}

func TestChildAddedReplaysThenStreamsInOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		k := e.GenerateKey("messages/c1")
		want = append(want, k)
		require.NoError(t, e.Update(ctx, Updates{"messages/c1/" + k: map[string]any{"text": fmt.Sprint("m", i), "senderId": "1"}}))
	}

	rec := newRecorder()
	unsub, err := e.SubscribeChildAdded("messages/c1", rec.fn)
	require.NoError(t, err)
	defer unsub()
	rec.waitN(t, 3)

	for i := 3; i < 8; i++ {
		k := e.GenerateKey("messages/c1")
		want = append(want, k)
		require.NoError(t, e.Update(ctx, Updates{"messages/c1/" + k: map[string]any{"text": fmt.Sprint("m", i), "senderId": "1"}}))
	}
	rec.waitN(t, 8)

	// a merge into an existing child is not an addition
	require.NoError(t, e.Update(ctx, Updates{"messages/c1/" + want[0] + "/seenBy/2": 5}))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, want, rec.keys())
}

func TestChildAddedDetectsParentWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx, Updates{"userConversations/1/a": map[string]any{"id": "a"}}))

	rec := newRecorder()
	unsub, err := e.SubscribeChildAdded("userConversations/1", rec.fn)
	require.NoError(t, err)
	defer unsub()
	rec.waitN(t, 1)

	require.NoError(t, e.Update(ctx, Updates{"userConversations": map[string]any{
		"1": map[string]any{
			"a": map[string]any{"id": "a"},
			"b": map[string]any{"id": "b"},
		},
	}}))
	rec.waitN(t, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, rec.keys())
}

func TestValueSubscriptionDeliversImmediatelyAndOnChange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rec := newRecorder()
	unsub, err := e.SubscribeValue("conversations/c1", rec.fn)
	require.NoError(t, err)
	defer unsub()

	first := rec.waitN(t, 1)
	assert.False(t, first[0].Exists)

	require.NoError(t, e.Update(ctx, Updates{"conversations/c1/title": "Planning"}))
	snaps := rec.waitN(t, 2)
	var got struct {
		Title string `json:"title"`
	}
	require.NoError(t, snaps[1].Decode(&got))
	assert.Equal(t, "Planning", got.Title)
}

func TestValueSubscriptionIgnoresUnrelatedWrites(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rec := newRecorder()
	unsub, err := e.SubscribeValue("conversations/c1", rec.fn)
	require.NoError(t, err)
	defer unsub()
	rec.waitN(t, 1)

	require.NoError(t, e.Update(ctx, Updates{"conversations/c2/title": "x"}))
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.snaps, 1)
}

func TestUpdateIfAbsent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	cond := []Precondition{{Path: "privatePairs/1_2", Absent: true}}

	require.NoError(t, e.UpdateIf(ctx, cond, Updates{
		"privatePairs/1_2":     map[string]any{"id": "first"},
		"conversations/first": map[string]any{"id": "first"},
	}))

	err := e.UpdateIf(ctx, cond, Updates{
		"privatePairs/1_2":      map[string]any{"id": "second"},
		"conversations/second": map[string]any{"id": "second"},
	})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	snap, err := e.Get(ctx, "privatePairs/1_2/id")
	require.NoError(t, err)
	assert.Equal(t, "first", snap.Value)
	snap, err = e.Get(ctx, "conversations/second")
	require.NoError(t, err)
	assert.False(t, snap.Exists, "losing write must not land")
}

func TestUpdateIfEquals(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Update(ctx, Updates{"counter": 1}))

	require.NoError(t, e.UpdateIf(ctx, []Precondition{{Path: "counter", Equals: 1}}, Updates{"counter": 2}))
	err := e.UpdateIf(ctx, []Precondition{{Path: "counter", Equals: 1}}, Updates{"counter": 3})
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestConcurrentConditionalWritesHaveOneWinner(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- e.UpdateIf(ctx, []Precondition{{Path: "privatePairs/1_2", Absent: true}},
				Updates{"privatePairs/1_2": map[string]any{"id": fmt.Sprint("c", i)}})
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrConditionFailed)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestWritesPaused(t *testing.T) {
	e := newTestEngine(t)
	e.SetPaused(true)
	err := e.Update(context.Background(), Updates{"a": 1})
	assert.ErrorIs(t, err, ErrWritesPaused)

	e.SetPaused(false)
	assert.NoError(t, e.Update(context.Background(), Updates{"a": 1}))
}

func TestUpdateRejectsOverlap(t *testing.T) {
	e := newTestEngine(t)
	err := e.Update(context.Background(), Updates{"a": 1, "a/b": 2})
	assert.ErrorIs(t, err, store.ErrOverlappingPaths)
}

func TestConnectIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	s1, err := e.Connect(ctx, User{ID: "1", Name: "Ana"})
	require.NoError(t, err)
	s2, err := e.Connect(ctx, User{ID: "1", Name: "Ana B."})
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	snap, err := e.Get(ctx, "profiles/1/name")
	require.NoError(t, err)
	assert.Equal(t, "Ana B.", snap.Value)
}

func TestConnectRejectsNonNumericUser(t *testing.T) {
	e := newTestEngine(t)
	for _, id := range []string{"", "alice", "1_2", "12a"} {
		_, err := e.Connect(context.Background(), User{ID: id})
		assert.ErrorIs(t, err, ErrInvalidUser, id)
	}
	snap, err := e.Get(context.Background(), "profiles/alice")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestConnectSurvivesProfileFailure(t *testing.T) {
	e := newTestEngine(t)
	e.SetPaused(true)
	sess, err := e.Connect(context.Background(), User{ID: "7", Name: "Pat"})
	require.NoError(t, err)
	assert.Equal(t, "7", sess.UserID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rec := newRecorder()
	unsub, err := e.SubscribeChildAdded("messages/c1", rec.fn)
	require.NoError(t, err)
	unsub()
	unsub()

	require.NoError(t, e.Update(ctx, Updates{"messages/c1/x": map[string]any{"text": "hi"}}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.keys())
	assert.Equal(t, 0, e.Subscriptions())
}
