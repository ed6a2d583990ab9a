package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"portalchat/pkg/logger"
	"portalchat/pkg/realtime"
	"portalchat/pkg/stream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	minBackoff = 250 * time.Millisecond
	maxBackoff = 15 * time.Second
)

func (c *Client) SubscribeValue(path string, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
	return c.subscribe(stream.OpValue, path, fn)
}

// SubscribeChildAdded streams children of path. After a reconnect existing
// children are delivered again.
func (c *Client) SubscribeChildAdded(path string, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
	return c.subscribe(stream.OpChildAdded, path, fn)
}

func (c *Client) subscribe(op, path string, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.session.Load() == nil {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	sub := &remoteSub{op: op, path: path, fn: fn}
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	if err := c.writeFrame(stream.ClientFrame{Op: op, ID: id, Path: path}); err != nil {
		// the stream loop resubscribes once it reconnects
		logger.Warn("subscribe_deferred", "path", path, "error", err)
	}

	var once bool
	return func() {
		c.mu.Lock()
		if once {
			c.mu.Unlock()
			return
		}
		once = true
		_, live := c.subs[id]
		delete(c.subs, id)
		c.mu.Unlock()
		if live {
			_ = c.writeFrame(stream.ClientFrame{Op: stream.OpUnsubscribe, ID: id})
		}
	}, nil
}

func (c *Client) dial(ctx context.Context, userID, sig string) (*websocket.Conn, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.opts.APIKey)
	h.Set("X-User-ID", userID)
	h.Set("X-User-Signature", sig)
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.StreamURL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return ws, nil
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.wsMu.Lock()
	c.ws = ws
	c.wsMu.Unlock()
}

func (c *Client) writeFrame(f stream.ClientFrame) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *Client) streamLoop(ws *websocket.Conn) {
	for {
		err := c.readFrames(ws)
		if c.closed.Load() {
			return
		}
		logger.Warn("stream_lost", "error", err)
		_ = ws.Close()

		if ws = c.redial(); ws == nil {
			return
		}
		c.resubscribe()
	}
}

func (c *Client) readFrames(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, r, err := ws.NextReader()
		if err != nil {
			return err
		}
		var f stream.ServerFrame
		dec := json.NewDecoder(r)
		dec.UseNumber()
		if err := dec.Decode(&f); err != nil {
			logger.Warn("stream_frame_invalid", "error", err)
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f stream.ServerFrame) {
	c.mu.Lock()
	sub, ok := c.subs[f.ID]
	if ok && f.Event == stream.EventError {
		delete(c.subs, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	switch f.Event {
	case stream.EventError:
		logger.Warn("subscription_rejected", "path", sub.path, "error", f.Error)
	case stream.EventValue, stream.EventChildAdded:
		sub.fn(realtime.Snapshot{Path: f.Path, Key: f.Key, Exists: f.Exists, Value: f.Value})
	}
}

func (c *Client) redial() *websocket.Conn {
	backoff := minBackoff
	for {
		select {
		case <-c.done:
			return nil
		case <-time.After(backoff):
		}
		s := c.session.Load()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		ws, err := c.dial(ctx, s.UserID, s.Credential)
		cancel()
		if err == nil {
			c.setConn(ws)
			if c.closed.Load() {
				_ = ws.Close()
				return nil
			}
			logger.Info("stream_reconnected", "user", s.UserID)
			return ws
		}
		logger.Warn("stream_redial_failed", "error", err, "backoff", backoff.String())
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	frames := make([]stream.ClientFrame, 0, len(c.subs))
	for id, sub := range c.subs {
		frames = append(frames, stream.ClientFrame{Op: sub.op, ID: id, Path: sub.path})
	}
	c.mu.Unlock()

	for _, f := range frames {
		if err := c.writeFrame(f); err != nil {
			logger.Warn("resubscribe_failed", "path", f.Path, "error", err)
			return
		}
	}
}
