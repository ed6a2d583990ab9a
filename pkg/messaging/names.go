package messaging

import (
	"context"
	"sync"
	"time"

	"portalchat/pkg/logger"
	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
)

// LoadingName is shown while a counterpart's name is being looked up.
const LoadingName = "Loading…"

// UserLookup resolves one user by id. userdir.Client implements it.
type UserLookup interface {
	Lookup(ctx context.Context, userID string) (models.UserSummary, bool, error)
}

// ProfileLookup resolves names from the profiles written by Connect.
type ProfileLookup struct {
	Store realtime.Store
}

func (p ProfileLookup) Lookup(ctx context.Context, userID string) (models.UserSummary, bool, error) {
	snap, err := p.Store.Get(ctx, models.ProfilePath(userID))
	if err != nil || !snap.Exists {
		return models.UserSummary{}, false, err
	}
	var prof models.Profile
	if err := snap.Decode(&prof); err != nil {
		return models.UserSummary{}, false, err
	}
	return models.UserSummary{ID: userID, Name: prof.Name}, prof.Name != "", nil
}

// NameCache maps user ids to display names. Unknown ids resolve to
// LoadingName and start a background lookup; onResolve runs after a
// lookup fills a name.
type NameCache struct {
	lookup     UserLookup
	onResolve  func(userID string)
	timeout    time.Duration
	retryAfter time.Duration

	mu      sync.Mutex
	names   map[string]string
	pending map[string]struct{}
	failed  map[string]time.Time
}

func NewNameCache(lookup UserLookup, onResolve func(string)) *NameCache {
	return &NameCache{
		lookup:     lookup,
		onResolve:  onResolve,
		timeout:    5 * time.Second,
		retryAfter: 30 * time.Second,
		names:      make(map[string]string),
		pending:    make(map[string]struct{}),
		failed:     make(map[string]time.Time),
	}
}

// Set records a known name.
func (c *NameCache) Set(userID, name string) {
	if userID == "" || name == "" {
		return
	}
	c.mu.Lock()
	c.names[userID] = name
	delete(c.failed, userID)
	c.mu.Unlock()
}

// Name returns the cached name of userID or LoadingName.
func (c *NameCache) Name(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.names[userID]; ok {
		return n
	}
	if c.lookup == nil || userID == "" {
		return LoadingName
	}
	if _, busy := c.pending[userID]; busy {
		return LoadingName
	}
	if at, ok := c.failed[userID]; ok && time.Since(at) < c.retryAfter {
		return LoadingName
	}
	c.pending[userID] = struct{}{}
	go c.resolve(userID)
	return LoadingName
}

func (c *NameCache) resolve(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	u, ok, err := c.lookup.Lookup(ctx, userID)
	cancel()

	c.mu.Lock()
	delete(c.pending, userID)
	if err != nil || !ok || u.Name == "" {
		c.failed[userID] = time.Now()
		c.mu.Unlock()
		if err != nil {
			logger.Debug("name_lookup_failed", "user", userID, "error", err)
		}
		return
	}
	c.names[userID] = u.Name
	c.mu.Unlock()

	if c.onResolve != nil {
		c.onResolve(userID)
	}
}
