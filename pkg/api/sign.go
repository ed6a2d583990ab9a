package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"portalchat/pkg/api/auth"
	"portalchat/pkg/logger"
	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/router"
)

// SignResponse is the credential bound to an external user id.
type SignResponse struct {
	UserID    string `json:"userId"`
	Signature string `json:"signature"`
}

func (a *API) Sign(ctx *fasthttp.RequestCtx) {
	if auth.IdentityFrom(ctx).Role != auth.RoleBackend {
		logger.Warn("sign_forbidden", "remote", ctx.RemoteAddr().String())
		router.WriteJSONError(ctx, fasthttp.StatusForbidden, "forbidden")
		return
	}

	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(bytes.NewReader(ctx.PostBody())).Decode(&payload); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := auth.ValidateUserID(payload.UserID); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid user ID: %s", err.Error()))
		return
	}

	key, err := auth.SigningKey()
	if err != nil {
		logger.Error("signing_key_unavailable", "error", err)
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("user_signed", "user", payload.UserID)
	_ = router.WriteJSON(ctx, SignResponse{UserID: payload.UserID, Signature: auth.CreateHMACSignature(payload.UserID, key)})
}

func (a *API) PutProfile(ctx *fasthttp.RequestCtx) {
	userID := router.UserValue(ctx, "userId")
	if err := auth.ValidateUserID(userID); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	id := auth.IdentityFrom(ctx)
	if !id.Privileged() && id.UserID != userID {
		router.WriteJSONError(ctx, fasthttp.StatusForbidden, "profiles may only be written by their owner")
		return
	}

	var p models.Profile
	if err := json.NewDecoder(bytes.NewReader(ctx.PostBody())).Decode(&p); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := a.deps.Engine.Update(ctx, realtime.Updates{models.ProfilePath(userID): p}); err != nil {
		writeStoreError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, p)
}
