package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"portalchat/pkg/store"
)

var (
	ErrConditionFailed = errors.New("precondition failed")
	ErrWritesPaused    = errors.New("writes paused: store volume above high-water mark")
	ErrClosed          = errors.New("realtime engine closed")
	ErrIdentity        = errors.New("identity mismatch")
	ErrPermission      = errors.New("permission denied")
	ErrInvalidUser     = errors.New("user id must be numeric")
)

// Snapshot is the value at a path at the time it was delivered.
// Key is the last path segment.
type Snapshot struct {
	Path   string `json:"path"`
	Key    string `json:"key"`
	Exists bool   `json:"exists"`
	Value  any    `json:"value"`
}

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	raw, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Children returns the direct children of a map value keyed by name.
// Array values are keyed by index.
func (s Snapshot) Children() map[string]any {
	switch t := s.Value.(type) {
	case map[string]any:
		return t
	case []any:
		out := make(map[string]any, len(t))
		for i, v := range t {
			if v != nil {
				out[strconv.Itoa(i)] = v
			}
		}
		return out
	}
	return nil
}

// Updates maps paths to the values written there in one atomic merge.
// A nil value deletes the path.
type Updates map[string]any

// Precondition guards a conditional write. With Absent set the path must
// hold nothing; otherwise its value must equal Equals.
type Precondition struct {
	Path   string `json:"path"`
	Absent bool   `json:"absent,omitempty"`
	Equals any    `json:"equals,omitempty"`
}

// ServerTimestamp returns a placeholder the store replaces with its own
// clock in epoch milliseconds.
func ServerTimestamp() map[string]any {
	return map[string]any{store.ServerValueKey: "timestamp"}
}

// User is the identity presented when connecting.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Session is the handle returned by Connect.
type Session struct {
	UserID     string `json:"userId"`
	Credential string `json:"credential"`
}

// Unsubscribe stops a subscription. Safe to call more than once.
type Unsubscribe func()

// Store is the realtime datastore seen by the messaging layer. The in
// process Engine and the remote client both implement it.
type Store interface {
	Connect(ctx context.Context, user User) (Session, error)
	Get(ctx context.Context, path string) (Snapshot, error)
	SubscribeValue(path string, fn func(Snapshot)) (Unsubscribe, error)
	SubscribeChildAdded(path string, fn func(Snapshot)) (Unsubscribe, error)
	GenerateKey(path string) string
	Update(ctx context.Context, updates Updates) error
	UpdateIf(ctx context.Context, conds []Precondition, updates Updates) error
}
