package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"portalchat/pkg/api/auth"
	"portalchat/pkg/logger"
	"portalchat/pkg/realtime"
)

// conn is one subscriber connection. Subscription callbacks enqueue frames;
// writePump is the only writer on the socket.
type conn struct {
	id   string
	srv  *Server
	ws   *websocket.Conn
	who  auth.Identity
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	subs      map[int64]realtime.Unsubscribe
	closeOnce sync.Once
}

func newConn(srv *Server, ws *websocket.Conn, who auth.Identity) *conn {
	return &conn{
		id:   uuid.NewString(),
		srv:  srv,
		ws:   ws,
		who:  who,
		send: make(chan []byte, srv.opts.SendBuffer),
		done: make(chan struct{}),
		subs: make(map[int64]realtime.Unsubscribe),
	}
}

func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[int64]realtime.Unsubscribe)
		c.mu.Unlock()
		for _, unsub := range subs {
			unsub()
		}
		_ = c.ws.Close()
		c.srv.remove(c)
		logger.Info("stream_disconnected", "conn", c.id, "user", c.who.UserID, "reason", reason)
	})
}

func (c *conn) enqueue(f ServerFrame) {
	raw, err := json.Marshal(f)
	if err != nil {
		logger.Error("stream_encode_failed", "conn", c.id, "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- raw:
		framesSent.WithLabelValues(f.Event).Inc()
		return
	default:
	}

	// Full buffer: hold the subscription goroutine until writePump drains
	// or the peer stops reading for a whole WriteWait.
	timer := time.NewTimer(c.srv.opts.WriteWait)
	defer timer.Stop()
	select {
	case c.send <- raw:
		framesSent.WithLabelValues(f.Event).Inc()
	case <-c.done:
	case <-timer.C:
		slowConsumers.Inc()
		go c.close("slow_consumer")
	}
}

func (c *conn) sendError(id int64, msg string) {
	c.enqueue(ServerFrame{ID: id, Event: EventError, Error: msg})
}

func (c *conn) readPump() {
	defer c.close("read_closed")

	c.ws.SetReadLimit(c.srv.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("stream_read_failed", "conn", c.id, "error", err)
			}
			return
		}
		var f ClientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.sendError(0, "invalid frame")
			continue
		}
		c.handle(f)
	}
}

func (c *conn) handle(f ClientFrame) {
	switch f.Op {
	case OpValue, OpChildAdded:
		if err := c.subscribe(f); err != nil {
			c.sendError(f.ID, err.Error())
		}
	case OpUnsubscribe:
		c.mu.Lock()
		unsub, ok := c.subs[f.ID]
		delete(c.subs, f.ID)
		c.mu.Unlock()
		if ok {
			unsub()
		}
	default:
		c.sendError(f.ID, fmt.Sprintf("unknown op %q", f.Op))
	}
}

func (c *conn) subscribe(f ClientFrame) error {
	if f.ID == 0 {
		return fmt.Errorf("subscription id required")
	}
	c.mu.Lock()
	_, taken := c.subs[f.ID]
	c.mu.Unlock()
	if taken {
		return fmt.Errorf("subscription id %d already in use", f.ID)
	}
	if !c.who.Privileged() {
		ctx, cancel := context.WithTimeout(context.Background(), c.srv.opts.WriteWait)
		err := c.srv.rules.CanRead(ctx, c.who.UserID, f.Path)
		cancel()
		if err != nil {
			return err
		}
	}

	var (
		unsub realtime.Unsubscribe
		err   error
	)
	if f.Op == OpValue {
		unsub, err = c.srv.subs.SubscribeValue(f.Path, func(s realtime.Snapshot) {
			c.enqueue(ServerFrame{ID: f.ID, Event: EventValue, Path: s.Path, Key: s.Key, Exists: s.Exists, Value: s.Value})
		})
	} else {
		unsub, err = c.srv.subs.SubscribeChildAdded(f.Path, func(s realtime.Snapshot) {
			c.enqueue(ServerFrame{ID: f.ID, Event: EventChildAdded, Path: s.Path, Key: s.Key, Exists: s.Exists, Value: s.Value})
		})
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		unsub()
		return nil
	default:
	}
	c.subs[f.ID] = unsub
	c.mu.Unlock()
	return nil
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.close("write_closed")
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
