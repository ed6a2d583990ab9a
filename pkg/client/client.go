// Package client implements realtime.Store against a running portalchat
// server: reads and writes over the REST API, subscriptions multiplexed
// over one websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"

	"portalchat/pkg/api"
	"portalchat/pkg/logger"
	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/store"
)

var (
	ErrNotConnected = errors.New("client not connected")
	ErrClosed       = errors.New("client closed")
)

// StatusError is a non-2xx response that maps to no store error.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Options configure a Client. BaseURL is the REST address
// (http://host:port); StreamURL the websocket endpoint
// (ws://host:port/v1/stream). APIKey is sent on every request.
// The user signature is either given as Signature or fetched with
// BackendKey from /v1/_sign during Connect.
type Options struct {
	BaseURL    string
	StreamURL  string
	APIKey     string
	BackendKey string
	Signature  string
	Timeout    time.Duration

	HTTPClient *fasthttp.Client
	Dialer     *websocket.Dialer
}

// Client is a remote realtime.Store. Subscription callbacks run on the
// stream reader goroutine and must not block.
type Client struct {
	opts Options
	http *fasthttp.Client
	keys *store.KeyGen

	connectMu sync.Mutex
	session   atomic.Pointer[realtime.Session]

	mu   sync.Mutex
	subs map[int64]*remoteSub

	wsMu sync.Mutex
	ws   *websocket.Conn

	nextID atomic.Int64
	closed atomic.Bool
	done   chan struct{}
}

type remoteSub struct {
	op   string
	path string
	fn   func(realtime.Snapshot)
}

var _ realtime.Store = (*Client)(nil)

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &fasthttp.Client{
			Name:                "portalchat-client",
			MaxIdleConnDuration: 30 * time.Second,
		}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.Timeout}
	}
	return &Client{
		opts: opts,
		http: opts.HTTPClient,
		keys: store.NewKeyGen(),
		subs: make(map[int64]*remoteSub),
		done: make(chan struct{}),
	}
}

// Connect binds the client to user. Later calls with the same id return the
// existing session; a different id fails with realtime.ErrIdentity.
func (c *Client) Connect(ctx context.Context, user realtime.User) (realtime.Session, error) {
	if c.closed.Load() {
		return realtime.Session{}, ErrClosed
	}
	if !models.IsNumericID(user.ID) {
		return realtime.Session{}, fmt.Errorf("connect: %w: %q", realtime.ErrInvalidUser, user.ID)
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if s := c.session.Load(); s != nil {
		if s.UserID != user.ID {
			return realtime.Session{}, fmt.Errorf("%w: connected as %s", realtime.ErrIdentity, s.UserID)
		}
		c.putProfile(ctx, user)
		return *s, nil
	}

	sig := c.opts.Signature
	if sig == "" {
		var err error
		if sig, err = c.Sign(ctx, user.ID); err != nil {
			return realtime.Session{}, fmt.Errorf("connect: %w", err)
		}
	}

	ws, err := c.dial(ctx, user.ID, sig)
	if err != nil {
		return realtime.Session{}, fmt.Errorf("connect: %w", err)
	}
	sess := realtime.Session{UserID: user.ID, Credential: sig}
	c.session.Store(&sess)
	c.setConn(ws)
	go c.streamLoop(ws)

	c.putProfile(ctx, user)
	logger.Info("client_connected", "user", user.ID)
	return sess, nil
}

// putProfile writes the user's display metadata. Failures are logged only.
func (c *Client) putProfile(ctx context.Context, user realtime.User) {
	p := models.Profile{Name: user.Name, Avatar: user.Avatar}
	if err := c.do(ctx, request{method: fasthttp.MethodPut, path: "/v1/profiles/" + url.PathEscape(user.ID), body: p, signed: true}, nil); err != nil {
		logger.Warn("profile_update_failed", "user", user.ID, "error", err)
	}
}

// Sign asks the server for userID's signature using the backend key.
func (c *Client) Sign(ctx context.Context, userID string) (string, error) {
	if c.opts.BackendKey == "" {
		return "", fmt.Errorf("no signature and no backend key to request one")
	}
	var out api.SignResponse
	err := c.do(ctx, request{
		method: fasthttp.MethodPost,
		path:   "/v1/_sign",
		key:    c.opts.BackendKey,
		body:   map[string]string{"userId": userID},
	}, &out)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", userID, err)
	}
	return out.Signature, nil
}

// Close drops the stream and every subscription.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.mu.Lock()
	c.subs = make(map[int64]*remoteSub)
	c.mu.Unlock()

	c.wsMu.Lock()
	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	}
	c.wsMu.Unlock()
}

// GenerateKey returns a fresh push id. Nothing is written.
func (c *Client) GenerateKey(string) string {
	return c.keys.Next()
}

func (c *Client) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	escaped := make([]string, len(segs))
	for i, s := range segs {
		escaped[i] = url.PathEscape(s)
	}

	var out api.TreeResponse
	if err := c.do(ctx, request{method: fasthttp.MethodGet, path: "/v1/tree/" + strings.Join(escaped, "/"), signed: true}, &out); err != nil {
		return realtime.Snapshot{}, err
	}
	snap := realtime.Snapshot{Path: store.JoinPath(segs...), Exists: out.Exists, Value: out.Value}
	if len(segs) > 0 {
		snap.Key = segs[len(segs)-1]
	}
	return snap, nil
}

func (c *Client) Update(ctx context.Context, updates realtime.Updates) error {
	return c.UpdateIf(ctx, nil, updates)
}

func (c *Client) UpdateIf(ctx context.Context, conds []realtime.Precondition, updates realtime.Updates) error {
	return c.do(ctx, request{
		method: fasthttp.MethodPatch,
		path:   "/v1/tree",
		body:   api.PatchRequest{Updates: updates, Preconditions: conds},
		signed: true,
	}, nil)
}

type request struct {
	method string
	path   string
	key    string
	body   any
	signed bool
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.opts.BaseURL + r.path)
	req.Header.SetMethod(r.method)
	key := r.key
	if key == "" {
		key = c.opts.APIKey
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if r.signed {
		uid, sig := c.identity()
		if uid == "" {
			return ErrNotConnected
		}
		req.Header.Set("X-User-ID", uid)
		req.Header.Set("X-User-Signature", sig)
	}
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", r.method, r.path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(raw)
	}

	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}

	if status := resp.StatusCode(); status < 200 || status >= 300 {
		return statusError(status, resp.Body())
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", r.method, r.path, err)
	}
	return nil
}

func (c *Client) identity() (string, string) {
	s := c.session.Load()
	if s == nil {
		return "", ""
	}
	return s.UserID, s.Credential
}

func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	switch status {
	case fasthttp.StatusConflict:
		return fmt.Errorf("%w: %s", realtime.ErrConditionFailed, msg)
	case fasthttp.StatusForbidden:
		return fmt.Errorf("%w: %s", realtime.ErrPermission, msg)
	case fasthttp.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", realtime.ErrWritesPaused, msg)
	}
	return &StatusError{Status: status, Message: msg}
}
