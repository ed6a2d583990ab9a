package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"github.com/valyala/fasthttp"

	"portalchat/pkg/config"
	"portalchat/pkg/logger"
	"portalchat/pkg/router"
	"portalchat/pkg/store"
	"portalchat/pkg/telemetry"
)

// caller role
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	default:
		return "unauth"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "frontend":
		return RoleFrontend
	case "backend":
		return RoleBackend
	case "admin":
		return RoleAdmin
	default:
		return RoleUnauth
	}
}

// Identity is the resolved caller of a request.
type Identity struct {
	Role   Role
	UserID string
}

// Privileged callers bypass per-path access rules.
func (i Identity) Privileged() bool {
	return i.Role == RoleBackend || i.Role == RoleAdmin
}

const identityKey = "identity"

var ErrSigningKeys = errors.New("signing keys not configured")

// creates an HMAC signature for a user ID
func CreateHMACSignature(userID, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifies a user ID against its HMAC signature using available signing keys
func VerifyHMACSignature(userID, signature string) bool {
	for k := range config.GetSigningKeys() {
		expected := CreateHMACSignature(userID, k)
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return true
		}
	}
	return false
}

// SigningKey returns the key new signatures are issued with. The lowest key
// wins so every node signs identically.
func SigningKey() (string, error) {
	keys := config.GetSigningKeys()
	if len(keys) == 0 {
		return "", ErrSigningKeys
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	sort.Strings(list)
	return list[0], nil
}

// ValidateUserID checks that id can be used as a tree path segment.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user id cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("user id too long")
	}
	return store.ValidateSegment(id)
}

// IdentityFrom returns the identity stored on ctx by the auth middleware.
func IdentityFrom(ctx *fasthttp.RequestCtx) Identity {
	if id, ok := ctx.UserValue(identityKey).(Identity); ok {
		return id
	}
	return Identity{Role: ParseRole(string(ctx.Request.Header.Peek("X-Role-Name")))}
}

// RequireSignedAuthorFast resolves the user behind a request. Frontend
// callers must present X-User-ID with a valid X-User-Signature; backend
// callers may act as a user by signing too.
func RequireSignedAuthorFast(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tr := telemetry.Track("auth.require_signed_author")
		defer tr.Finish()

		role := ParseRole(string(ctx.Request.Header.Peek("X-Role-Name")))
		userID := strings.TrimSpace(string(ctx.Request.Header.Peek("X-User-ID")))
		sig := strings.TrimSpace(string(ctx.Request.Header.Peek("X-User-Signature")))

		// unauthenticated requests only reach public routes
		if role == RoleUnauth {
			next(ctx)
			return
		}

		if (role == RoleBackend || role == RoleAdmin) && sig == "" {
			ctx.SetUserValue(identityKey, Identity{Role: role})
			next(ctx)
			return
		}

		if sig == "" || userID == "" {
			logger.Warn("missing_signature_headers", "path", string(ctx.Path()), "remote", ctx.RemoteAddr().String())
			router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "missing signature headers")
			return
		}

		tr.Mark("verify_signature")
		if !VerifyHMACSignature(userID, sig) {
			logger.Warn("invalid_signature", "user", userID, "remote", ctx.RemoteAddr().String(), "path", string(ctx.Path()))
			router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "invalid signature")
			return
		}

		logger.Debug("signature_verified", "user", userID, "path", string(ctx.Path()))
		ctx.SetUserValue(identityKey, Identity{Role: role, UserID: userID})
		next(ctx)
	}
}
