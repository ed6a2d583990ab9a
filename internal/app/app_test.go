package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"portalchat/pkg/config"
	"portalchat/pkg/state"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.DBPath = dir
	cfg.Server.APIKeys.Backend = []string{"backend-secret"}
	require.NoError(t, cfg.ApplyDefaults())
	require.NoError(t, state.Init(dir))

	eff := config.EffectiveConfigResult{Config: cfg, Addr: cfg.Addr(), DBPath: dir, Source: "flags"}
	a, err := New(eff, "test", "none", "unknown")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func serve(h fasthttp.RequestHandler, path string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI(path)
	h(&ctx)
	return &ctx
}

// state.Init runs once per process, so the lifecycle is covered by one test.
func TestProbesGatewayAndShutdown(t *testing.T) {
	a := newTestApp(t)
	h := a.handler()

	ctx := serve(h, "/healthz")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = serve(h, "/readyz")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"version":"test"`)

	a.engine.SetPaused(true)
	ctx = serve(h, "/readyz")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	a.engine.SetPaused(false)

	ctx = serve(h, "/v1/tree/conversations")
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, "stopped", a.State())
	assert.False(t, a.db.Ready())
}
