package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"portalchat/pkg/api/auth"
	"portalchat/pkg/logger"
	"portalchat/pkg/realtime"
)

var (
	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portalchat_stream_connections",
		Help: "Open websocket subscriber connections.",
	})
	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalchat_stream_frames_sent_total",
		Help: "Frames queued to subscribers by event.",
	}, []string{"event"})
	slowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portalchat_stream_slow_consumer_disconnects_total",
		Help: "Connections closed because their send buffer filled up.",
	})
)

func init() {
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(slowConsumers)
}

// Subscriber is the subscription side of the realtime store.
type Subscriber interface {
	SubscribeValue(path string, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error)
	SubscribeChildAdded(path string, fn func(realtime.Snapshot)) (realtime.Unsubscribe, error)
}

// ReadChecker decides whether a signed user may subscribe to a path.
type ReadChecker interface {
	CanRead(ctx context.Context, userID, path string) error
}

// Options tune the websocket connections.
type Options struct {
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// pings go out a little before the peer's read deadline expires
func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Server serves subscriptions over websockets on a net/http listener.
type Server struct {
	subs     Subscriber
	rules    ReadChecker
	sec      auth.SecConfig
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	srv   *http.Server
}

func New(subs Subscriber, rules ReadChecker, sec auth.SecConfig, opts Options) *Server {
	s := &Server{
		subs:  subs,
		rules: rules,
		sec:   sec,
		opts:  opts.withDefaults(),
		conns: make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the routes served by the stream listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/stream", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	return r
}

// Start listens on addr and returns a channel that delivers the serve error.
func (s *Server) Start(addr string) <-chan error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}

// Shutdown stops accepting connections and closes the open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close("server_shutdown")
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.sec.OriginAllowed(origin) {
		return true
	}
	return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
}

func (s *Server) authenticate(r *http.Request) (auth.Identity, int, string) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.sec.IPAllowed(host) {
		return auth.Identity{}, http.StatusForbidden, "forbidden"
	}

	q := r.URL.Query()
	key := auth.APIKeyFrom(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
	if key == "" {
		key = q.Get("key")
	}
	role := s.sec.ClassifyKey(key)
	switch role {
	case auth.RoleUnauth:
		return auth.Identity{}, http.StatusUnauthorized, "unauthorized"
	case auth.RoleAdmin:
		return auth.Identity{}, http.StatusForbidden, "admin api keys may only access /admin routes"
	}

	userID := firstNonEmpty(r.Header.Get("X-User-ID"), q.Get("uid"))
	sig := firstNonEmpty(r.Header.Get("X-User-Signature"), q.Get("sig"))
	if role == auth.RoleBackend && sig == "" {
		return auth.Identity{Role: role}, 0, ""
	}
	if userID == "" || sig == "" {
		return auth.Identity{}, http.StatusUnauthorized, "missing signature"
	}
	if !auth.VerifyHMACSignature(userID, sig) {
		return auth.Identity{}, http.StatusUnauthorized, "invalid signature"
	}
	return auth.Identity{Role: role, UserID: userID}, 0, ""
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	id, status, msg := s.authenticate(r)
	if status != 0 {
		logger.Warn("stream_rejected", "status", status, "reason", msg, "remote", r.RemoteAddr)
		http.Error(w, msg, status)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("stream_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws, id)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	connectionsActive.Inc()
	logger.Info("stream_connected", "conn", c.id, "user", id.UserID, "role", id.Role.String())

	go c.writePump()
	go c.readPump()
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		connectionsActive.Dec()
	}
	s.mu.Unlock()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
