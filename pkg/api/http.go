package api

import (
	"context"
	"net/http"
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"portalchat/pkg/realtime"
	"portalchat/pkg/router"
	"portalchat/pkg/store"
)

var (
	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "portalchat_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalchat_api_requests_total",
			Help: "API requests by route and status code.",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(heapAlloc)
	prometheus.MustRegister(requestsTotal)
}

// Engine is what the API needs from the realtime layer.
type Engine interface {
	TreeReader
	Update(ctx context.Context, updates realtime.Updates) error
	UpdateIf(ctx context.Context, conds []realtime.Precondition, updates realtime.Updates) error
	GenerateKey(path string) string
	Children(ctx context.Context, path string) ([]string, error)
	Subscriptions() int
	Paused() bool
}

// JobRunner runs an admin job on demand and returns its report.
type JobRunner interface {
	RunOnce(ctx context.Context) (any, error)
}

// Deps are the collaborators handlers are wired to.
type Deps struct {
	Engine    Engine
	DB        *store.DB
	Reconcile JobRunner
	Version   string
}

// API holds the fasthttp handlers.
type API struct {
	deps  Deps
	rules *Rules
}

func New(deps Deps) *API {
	return &API{deps: deps, rules: NewRules(deps.Engine)}
}

// Rules exposes the access rules so the stream endpoint applies the same checks.
func (a *API) Rules() *Rules { return a.rules }

// wrapHTTPHandler wraps an http.Handler to work with fasthttp.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// counted records the response status of a route.
func counted(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		h(ctx)
		requestsTotal.WithLabelValues(route, strconv.Itoa(ctx.Response.StatusCode())).Inc()
	}
}

// RegisterRoutes wires all API routes onto the provided router.
func (a *API) RegisterRoutes(r *router.Router) {
	// client auth endpoints
	r.POST("/v1/_sign", counted("sign", a.Sign))

	// tree operations
	r.GET("/v1/tree/{path...}", counted("tree_get", a.GetTree))
	r.PATCH("/v1/tree", counted("tree_patch", a.PatchTree))
	r.POST("/v1/keys", counted("keys", a.GenerateKey))
	r.PUT("/v1/profiles/{userId}", counted("profile_put", a.PutProfile))

	// admin routes
	r.GET("/admin/health", a.AdminHealth)
	r.GET("/admin/stats", a.AdminStats)
	r.GET("/admin/debug/prometheus", wrapHTTPHandler(promhttp.Handler()))
	r.POST("/admin/jobs/reconcile", counted("reconcile", a.RunReconcile))

	r.NotFound(func(ctx *fasthttp.RequestCtx) {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
	})
}

// Handler returns the bare router handler without middleware.
func (a *API) Handler() fasthttp.RequestHandler {
	r := router.New()
	a.RegisterRoutes(r)
	return r.Handler
}
