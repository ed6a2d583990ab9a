package api

import (
	"context"
	"fmt"

	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/store"
)

// TreeReader is the read side of the realtime store used to evaluate rules.
type TreeReader interface {
	Get(ctx context.Context, path string) (realtime.Snapshot, error)
}

// Rules evaluates per-path access for signed frontend users. Privileged
// callers are never passed here.
type Rules struct {
	tree TreeReader
}

func NewRules(tree TreeReader) *Rules {
	return &Rules{tree: tree}
}

// CanRead reports whether userID may read or subscribe to path.
func (r *Rules) CanRead(ctx context.Context, userID, path string) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	deny := fmt.Errorf("%w: read %s", realtime.ErrPermission, path)
	if userID == "" || len(segs) < 2 {
		return deny
	}
	switch segs[0] {
	case models.RootProfiles:
		return nil
	case models.RootUserConversations:
		if segs[1] == userID {
			return nil
		}
	case models.RootConversations, models.RootMessages:
		ok, err := r.isMember(ctx, nil, segs[1], userID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	case models.RootPrivatePairs:
		if inPair(segs[1], userID) {
			return nil
		}
	}
	return deny
}

// CheckWrite validates every path of an update for userID. Membership is
// taken from the stored registry record, or from a registry record created
// by the same update.
func (r *Rules) CheckWrite(ctx context.Context, userID string, updates realtime.Updates) error {
	parsed, err := store.ParseUpdates(updates)
	if err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("%w: anonymous write", realtime.ErrPermission)
	}
	created := make(map[string]map[string]any)
	for _, u := range parsed {
		if len(u.Segs) == 2 && u.Segs[0] == models.RootConversations {
			if rec, ok := u.Value.(map[string]any); ok {
				created[u.Segs[1]] = rec
			}
		}
	}
	for _, u := range parsed {
		if err := r.checkPath(ctx, userID, u, created); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rules) checkPath(ctx context.Context, userID string, u store.Update, created map[string]map[string]any) error {
	segs := u.Segs
	deny := fmt.Errorf("%w: write %s", realtime.ErrPermission, u.Path)
	if len(segs) < 2 {
		return deny
	}
	member := func(cid, uid string) error {
		ok, err := r.isMember(ctx, created, cid, uid)
		if err != nil {
			return err
		}
		if !ok {
			return deny
		}
		return nil
	}

	switch segs[0] {
	case models.RootProfiles:
		if segs[1] == userID {
			return nil
		}
	case models.RootPrivatePairs:
		if inPair(segs[1], userID) {
			return nil
		}
	case models.RootUserConversations:
		// both the writer and the directory owner must be in the conversation
		if len(segs) >= 3 {
			if err := member(segs[2], userID); err != nil {
				return err
			}
			return member(segs[2], segs[1])
		}
	case models.RootConversations:
		cid := segs[1]
		stored, err := r.tree.Get(ctx, models.ConversationPath(cid))
		if err != nil {
			return err
		}
		if !stored.Exists {
			if len(segs) == 2 {
				if rec, ok := created[cid]; ok && hasMember(rec["members"], userID) {
					return nil
				}
			}
			return deny
		}
		// membership is immutable once the record exists
		if len(segs) == 2 || segs[2] == "members" || segs[2] == "id" || segs[2] == "type" {
			return deny
		}
		return member(cid, userID)
	case models.RootMessages:
		if len(segs) < 3 {
			return deny
		}
		if err := member(segs[1], userID); err != nil {
			return err
		}
		return r.checkMessageWrite(ctx, userID, u, deny)
	}
	return deny
}

// messages are append-only; after creation only seenBy/{self} may change
func (r *Rules) checkMessageWrite(ctx context.Context, userID string, u store.Update, deny error) error {
	segs := u.Segs
	if len(segs) == 3 {
		existing, err := r.tree.Get(ctx, u.Path)
		if err != nil {
			return err
		}
		if existing.Exists {
			return deny
		}
		msg, ok := u.Value.(map[string]any)
		if !ok || fmt.Sprint(msg["senderId"]) != userID {
			return deny
		}
		return nil
	}
	if len(segs) == 5 && segs[3] == "seenBy" && segs[4] == userID {
		return nil
	}
	return deny
}

func (r *Rules) isMember(ctx context.Context, created map[string]map[string]any, cid, userID string) (bool, error) {
	snap, err := r.tree.Get(ctx, models.ConversationPath(cid)+"/members")
	if err != nil {
		return false, err
	}
	if snap.Exists {
		return hasMember(snap.Value, userID), nil
	}
	if rec, ok := created[cid]; ok {
		return hasMember(rec["members"], userID), nil
	}
	return false, nil
}

func hasMember(v any, userID string) bool {
	switch t := v.(type) {
	case []any:
		for _, m := range t {
			if fmt.Sprint(m) == userID {
				return true
			}
		}
	case map[string]any:
		for _, m := range t {
			if fmt.Sprint(m) == userID {
				return true
			}
		}
	}
	return false
}

func inPair(key, userID string) bool {
	a, b, ok := models.SplitPairKey(key)
	return ok && (a == userID || b == userID)
}
