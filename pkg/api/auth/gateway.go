package auth

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"portalchat/pkg/config"
	"portalchat/pkg/logger"
	"portalchat/pkg/router"
)

// security config
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

// SecConfigFrom builds the access settings from the server config.
func SecConfigFrom(cfg *config.Config) SecConfig {
	sc := SecConfig{
		AllowedOrigins: append([]string{}, cfg.Server.CORS.AllowedOrigins...),
		RPS:            cfg.Server.RateLimit.RPS,
		Burst:          cfg.Server.RateLimit.Burst,
		IPWhitelist:    append([]string{}, cfg.Server.IPWhitelist...),
		BackendKeys:    map[string]struct{}{},
		FrontendKeys:   map[string]struct{}{},
		AdminKeys:      map[string]struct{}{},
	}
	for _, k := range cfg.Server.APIKeys.Backend {
		sc.BackendKeys[k] = struct{}{}
	}
	for _, k := range cfg.Server.APIKeys.Frontend {
		sc.FrontendKeys[k] = struct{}{}
	}
	for _, k := range cfg.Server.APIKeys.Admin {
		sc.AdminKeys[k] = struct{}{}
	}
	return sc
}

// ClassifyKey maps an API key to its role.
func (cfg SecConfig) ClassifyKey(key string) Role {
	if key == "" {
		return RoleUnauth
	}
	if _, ok := cfg.AdminKeys[key]; ok {
		return RoleAdmin
	}
	if _, ok := cfg.BackendKeys[key]; ok {
		return RoleBackend
	}
	if _, ok := cfg.FrontendKeys[key]; ok {
		return RoleFrontend
	}
	return RoleUnauth
}

// IPAllowed reports whether ip passes the whitelist; an empty list allows all.
func (cfg SecConfig) IPAllowed(ip string) bool {
	if len(cfg.IPWhitelist) == 0 {
		return true
	}
	for _, w := range cfg.IPWhitelist {
		if ip == w {
			return true
		}
	}
	return false
}

// OriginAllowed reports whether a browser origin may call the API.
func (cfg SecConfig) OriginAllowed(origin string) bool {
	for _, a := range cfg.AllowedOrigins {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// APIKeyFrom extracts a key from "Authorization: Bearer <key>" or X-API-Key.
func APIKeyFrom(authorization, xAPIKey string) string {
	if k := strings.TrimSpace(xAPIKey); k != "" {
		return k
	}
	authorization = strings.TrimSpace(authorization)
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "bearer ") {
		return strings.TrimSpace(authorization[7:])
	}
	return ""
}

// Gateway authenticates API keys, applies CORS, the IP whitelist,
// route restrictions per role and per-identity rate limits.
type Gateway struct {
	cfg      SecConfig
	limiters *limiterPool
}

func NewGateway(cfg SecConfig) *Gateway {
	return &Gateway{cfg: cfg, limiters: newLimiterPool(cfg.RPS, cfg.Burst)}
}

// Close stops the limiter cleanup loop.
func (g *Gateway) Close() {
	g.limiters.Shutdown()
}

// Wrap returns next guarded by the full middleware chain.
func (g *Gateway) Wrap(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return g.authenticate(RequireSignedAuthorFast(g.rateLimit(next)))
}

func (g *Gateway) authenticate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		path := string(ctx.Path())

		// cors headers and handle options shortcut
		origin := string(ctx.Request.Header.Peek("Origin"))
		if origin != "" && g.cfg.OriginAllowed(origin) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Vary", "Origin")
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			ctx.Response.Header.Set("Access-Control-Max-Age", "600")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-User-ID,X-User-Signature")
		}
		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}

		// ip whitelist check (always before all other checks except cors/options)
		if ip := clientIPFast(ctx); !g.cfg.IPAllowed(ip) {
			router.WriteJSONError(ctx, fasthttp.StatusForbidden, "forbidden")
			logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", path)
			return
		}

		// strip any client supplied role before resolving our own
		ctx.Request.Header.Del("X-Role-Name")
		if publicAllowedPath(ctx) {
			next(ctx)
			return
		}

		key := APIKeyFrom(string(ctx.Request.Header.Peek("Authorization")), string(ctx.Request.Header.Peek("X-API-Key")))
		role := g.cfg.ClassifyKey(key)
		if role == RoleUnauth {
			router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
			logger.Warn("request_unauthorized", "path", path, "remote", ctx.RemoteAddr().String())
			return
		}
		ctx.Request.Header.Set("X-Role-Name", role.String())

		switch {
		case role == RoleFrontend && !frontendAllowedFast(path):
			router.WriteJSONError(ctx, fasthttp.StatusForbidden, "forbidden")
			logger.Warn("request_forbidden", "reason", "frontend_not_allowed", "path", path)
			return
		case role != RoleAdmin && strings.HasPrefix(path, "/admin"):
			router.WriteJSONError(ctx, fasthttp.StatusForbidden, "only admin api keys can access admin routes")
			logger.Warn("admin_access_attempt", "role", role.String(), "path", path, "remote", ctx.RemoteAddr().String())
			return
		case role == RoleAdmin && !strings.HasPrefix(path, "/admin"):
			router.WriteJSONError(ctx, fasthttp.StatusForbidden, "admin api keys may only access /admin routes")
			logger.Warn("admin_route_violation", "path", path, "remote", ctx.RemoteAddr().String())
			return
		}
		ctx.SetUserValue("apiKey", key)
		next(ctx)
	}
}

// rate limiting runs after identity resolution so signed users sharing a
// frontend key get their own bucket
func (g *Gateway) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if publicAllowedPath(ctx) {
			next(ctx)
			return
		}
		id := IdentityFrom(ctx)
		bucket := id.Role.String() + ":" + id.UserID
		if id.UserID == "" {
			k, _ := ctx.UserValue("apiKey").(string)
			bucket = id.Role.String() + ":key:" + k
		}
		if !g.limiters.Allow(bucket) {
			router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
			logger.Warn("rate_limited", "role", id.Role.String(), "user", id.UserID, "path", string(ctx.Path()))
			return
		}
		next(ctx)
	}
}

func clientIPFast(ctx *fasthttp.RequestCtx) string {
	host := ctx.RemoteAddr().String()
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

func frontendAllowedFast(path string) bool {
	for _, p := range []string{"/v1/tree", "/v1/keys", "/v1/profiles"} {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func publicAllowedPath(ctx *fasthttp.RequestCtx) bool {
	path := string(ctx.Path())
	if (path == "/healthz" || path == "/readyz") && string(ctx.Method()) == fasthttp.MethodGet {
		return true
	}
	return false
}
