package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"portalchat/pkg/logger"
	"portalchat/pkg/models"
	"portalchat/pkg/store"
	"portalchat/pkg/telemetry"
	"portalchat/pkg/timeutil"
)

// Engine serves the tree in process. All writes go through one lock so a
// write, its preconditions and the fan-out it causes are observed as a unit.
type Engine struct {
	db   *store.DB
	keys *store.KeyGen

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	paused atomic.Bool

	sessMu   sync.Mutex
	sessions map[string]Session
}

func New(db *store.DB) *Engine {
	return &Engine{
		db:       db,
		keys:     store.NewKeyGen(),
		subs:     make(map[uint64]*subscription),
		sessions: make(map[string]Session),
	}
}

// Close stops every subscription. The store is owned by the caller.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, s := range e.subs {
		if s.stop() {
			subscriptionsActive.WithLabelValues(string(s.kind)).Dec()
		}
		delete(e.subs, id)
	}
}

// SetPaused toggles write admission; the disk sensor drives it.
func (e *Engine) SetPaused(paused bool) {
	if e.paused.Swap(paused) != paused {
		logger.Warn("realtime_writes_paused", "paused", paused)
	}
}

func (e *Engine) Paused() bool { return e.paused.Load() }

// Subscriptions returns the number of active subscriptions.
func (e *Engine) Subscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Connect registers user and returns its session. Repeated calls return the
// same credential and refresh the profile best-effort.
func (e *Engine) Connect(ctx context.Context, user User) (Session, error) {
	if !models.IsNumericID(user.ID) {
		return Session{}, fmt.Errorf("connect: %w: %q", ErrInvalidUser, user.ID)
	}
	e.sessMu.Lock()
	sess, ok := e.sessions[user.ID]
	if !ok {
		sess = Session{UserID: user.ID, Credential: uuid.NewString()}
		e.sessions[user.ID] = sess
		logger.Info("realtime_session_opened", "user_id", user.ID)
	}
	e.sessMu.Unlock()

	profile := map[string]any{"name": user.Name}
	if user.Avatar != "" {
		profile["avatar"] = user.Avatar
	}
	if err := e.Update(ctx, Updates{"profiles/" + user.ID: profile}); err != nil {
		logger.Warn("profile_update_failed", "user_id", user.ID, "error", err)
	}
	return sess, nil
}

// GenerateKey returns a push id. It never writes.
func (e *Engine) GenerateKey(string) string {
	return e.keys.Next()
}

func (e *Engine) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	segs, err := store.SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	return e.read(segs)
}

// Children lists the direct child names at path in store order.
func (e *Engine) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.db.Children(path)
}

func (e *Engine) read(segs []string) (Snapshot, error) {
	v, ok, err := e.db.GetSegs(segs)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Path: store.JoinPath(segs...), Exists: ok, Value: v}
	if len(segs) > 0 {
		snap.Key = segs[len(segs)-1]
	}
	return snap, nil
}

func (e *Engine) SubscribeValue(path string, fn func(Snapshot)) (Unsubscribe, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	snap, err := e.read(segs)
	if err != nil {
		return nil, err
	}
	s := e.register(kindValue, segs, fn)
	s.push(snap)
	return e.unsubscriber(s), nil
}

func (e *Engine) SubscribeChildAdded(path string, fn func(Snapshot)) (Unsubscribe, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	names, err := e.db.ChildrenSegs(segs)
	if err != nil {
		return nil, err
	}
	initial := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snap, err := e.read(appendSeg(segs, name))
		if err != nil {
			return nil, err
		}
		initial = append(initial, snap)
	}
	s := e.register(kindChild, segs, fn)
	for _, snap := range initial {
		s.push(snap)
	}
	return e.unsubscriber(s), nil
}

func (e *Engine) register(kind subKind, segs []string, fn func(Snapshot)) *subscription {
	e.nextID++
	s := newSubscription(e.nextID, kind, store.JoinPath(segs...), segs, fn)
	e.subs[s.id] = s
	subscriptionsActive.WithLabelValues(string(kind)).Inc()
	return s
}

func (e *Engine) unsubscriber(s *subscription) Unsubscribe {
	return func() {
		if !s.stop() {
			return
		}
		subscriptionsActive.WithLabelValues(string(s.kind)).Dec()
		e.mu.Lock()
		delete(e.subs, s.id)
		e.mu.Unlock()
	}
}

// Update applies updates as one atomic merge.
func (e *Engine) Update(ctx context.Context, updates Updates) error {
	return e.UpdateIf(ctx, nil, updates)
}

// UpdateIf applies updates only when every precondition holds, otherwise it
// returns ErrConditionFailed and writes nothing.
func (e *Engine) UpdateIf(ctx context.Context, conds []Precondition, updates Updates) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr := telemetry.Track("realtime.update")
	tr.Set("paths", strconv.Itoa(len(updates)))
	defer tr.Finish()
	start := time.Now()

	err := e.apply(conds, updates, tr)
	writeLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		writeFailures.WithLabelValues(failureReason(err)).Inc()
		return err
	}
	writesTotal.Inc()
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrConditionFailed):
		return "condition"
	case errors.Is(err, ErrWritesPaused):
		return "paused"
	case errors.Is(err, store.ErrInvalidPath), errors.Is(err, store.ErrOverlappingPaths):
		return "invalid"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "store"
	}
}

// childWatch tracks, for one child subscription, which children may be
// created by the pending write.
type childWatch struct {
	sub        *subscription
	full       bool
	before     map[string]bool
	candidates []string
}

func (e *Engine) apply(conds []Precondition, updates Updates, tr *telemetry.Trace) error {
	parsed, err := store.ParseUpdates(updates)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.paused.Load() {
		return ErrWritesPaused
	}
	for _, c := range conds {
		if err := e.check(c); err != nil {
			return err
		}
	}
	tr.Mark("preconditions")

	watches, err := e.watchChildren(parsed)
	if err != nil {
		return err
	}
	if err := e.db.Apply(parsed, timeutil.NowMillis()); err != nil {
		return err
	}
	tr.Mark("apply")

	e.fanOut(parsed, watches)
	tr.Mark("fan_out")
	return nil
}

func (e *Engine) check(c Precondition) error {
	segs, err := store.SplitPath(c.Path)
	if err != nil {
		return err
	}
	v, ok, err := e.db.GetSegs(segs)
	if err != nil {
		return err
	}
	if c.Absent {
		if ok {
			return fmt.Errorf("%w: %s exists", ErrConditionFailed, c.Path)
		}
		return nil
	}
	want, err := store.Normalize(c.Equals)
	if err != nil {
		return err
	}
	if !sameJSON(v, want) {
		return fmt.Errorf("%w: %s changed", ErrConditionFailed, c.Path)
	}
	return nil
}

func sameJSON(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func (e *Engine) watchChildren(parsed []store.Update) ([]*childWatch, error) {
	var watches []*childWatch
	for _, s := range e.subs {
		if s.kind != kindChild {
			continue
		}
		w := &childWatch{sub: s, before: make(map[string]bool)}
		for _, u := range parsed {
			switch {
			case store.IsAncestor(s.segs, u.Segs):
				name := u.Segs[len(s.segs)]
				if _, seen := w.before[name]; seen {
					continue
				}
				ok, err := e.db.ExistsSegs(appendSeg(s.segs, name))
				if err != nil {
					return nil, err
				}
				w.before[name] = ok
				w.candidates = append(w.candidates, name)
			case store.Related(s.segs, u.Segs):
				w.full = true
			}
		}
		if w.full {
			names, err := e.db.ChildrenSegs(s.segs)
			if err != nil {
				return nil, err
			}
			w.before = make(map[string]bool, len(names))
			for _, n := range names {
				w.before[n] = true
			}
			w.candidates = nil
		}
		if w.full || len(w.candidates) > 0 {
			watches = append(watches, w)
		}
	}
	return watches, nil
}

// fanOut runs under e.mu after the batch landed. Reads are cached per path
// so subscribers of the same path see identical snapshots.
func (e *Engine) fanOut(parsed []store.Update, watches []*childWatch) {
	cache := make(map[string]Snapshot)
	read := func(segs []string) (Snapshot, bool) {
		key := store.JoinPath(segs...)
		if snap, ok := cache[key]; ok {
			return snap, true
		}
		snap, err := e.read(segs)
		if err != nil {
			logger.Error("realtime_fanout_read_failed", "path", key, "error", err)
			return Snapshot{}, false
		}
		cache[key] = snap
		return snap, true
	}

	for _, w := range watches {
		var added []string
		if w.full {
			names, err := e.db.ChildrenSegs(w.sub.segs)
			if err != nil {
				logger.Error("realtime_fanout_read_failed", "path", w.sub.path, "error", err)
				continue
			}
			for _, n := range names {
				if !w.before[n] {
					added = append(added, n)
				}
			}
		} else {
			store.SortChildren(w.candidates)
			for _, n := range w.candidates {
				if w.before[n] {
					continue
				}
				ok, err := e.db.ExistsSegs(appendSeg(w.sub.segs, n))
				if err != nil {
					logger.Error("realtime_fanout_read_failed", "path", w.sub.path, "error", err)
					continue
				}
				if ok {
					added = append(added, n)
				}
			}
		}
		for _, n := range added {
			if snap, ok := read(appendSeg(w.sub.segs, n)); ok {
				w.sub.push(snap)
			}
		}
	}

	for _, s := range e.subs {
		if s.kind != kindValue {
			continue
		}
		for _, u := range parsed {
			if store.Related(s.segs, u.Segs) {
				if snap, ok := read(s.segs); ok {
					s.push(snap)
				}
				break
			}
		}
	}
}

func appendSeg(segs []string, s string) []string {
	out := make([]string, len(segs)+1)
	copy(out, segs)
	out[len(segs)] = s
	return out
}
