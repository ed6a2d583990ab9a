package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"

	"portalchat/pkg/api/auth"
	"portalchat/pkg/logger"
	"portalchat/pkg/realtime"
	"portalchat/pkg/router"
	"portalchat/pkg/store"
	"portalchat/pkg/telemetry"
)

// TreeResponse is the body of GET /v1/tree/{path...}.
type TreeResponse struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Value  any    `json:"value"`
}

// PatchRequest is the body of PATCH /v1/tree.
type PatchRequest struct {
	Updates       realtime.Updates        `json:"updates"`
	Preconditions []realtime.Precondition `json:"preconditions,omitempty"`
}

func (a *API) GetTree(ctx *fasthttp.RequestCtx) {
	tr := telemetry.Track("api.tree_get")
	defer tr.Finish()

	path := router.UserValue(ctx, "path")
	id := auth.IdentityFrom(ctx)
	if !id.Privileged() {
		if err := a.rules.CanRead(ctx, id.UserID, path); err != nil {
			writeStoreError(ctx, err)
			return
		}
	}
	tr.Mark("rules")

	snap, err := a.deps.Engine.Get(ctx, path)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, TreeResponse{Path: snap.Path, Exists: snap.Exists, Value: snap.Value})
}

func (a *API) PatchTree(ctx *fasthttp.RequestCtx) {
	tr := telemetry.Track("api.tree_patch")
	defer tr.Finish()

	var req PatchRequest
	dec := json.NewDecoder(bytes.NewReader(ctx.PostBody()))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid JSON payload")
		return
	}
	if len(req.Updates) == 0 {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "updates required")
		return
	}

	id := auth.IdentityFrom(ctx)
	if !id.Privileged() {
		if err := a.rules.CheckWrite(ctx, id.UserID, req.Updates); err != nil {
			writeStoreError(ctx, err)
			return
		}
		for _, c := range req.Preconditions {
			if err := a.rules.CanRead(ctx, id.UserID, c.Path); err != nil {
				writeStoreError(ctx, err)
				return
			}
		}
	}
	tr.Mark("rules")

	if err := a.deps.Engine.UpdateIf(ctx, req.Preconditions, req.Updates); err != nil {
		writeStoreError(ctx, err)
		return
	}
	router.WriteJSONOk(ctx, map[string]interface{}{"ok": true})
}

func (a *API) GenerateKey(ctx *fasthttp.RequestCtx) {
	_ = router.WriteJSON(ctx, map[string]string{"key": a.deps.Engine.GenerateKey(string(ctx.QueryArgs().Peek("path")))})
}

// writeStoreError maps store and engine errors onto HTTP statuses.
func writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, realtime.ErrConditionFailed):
		router.WriteJSONError(ctx, fasthttp.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidPath), errors.Is(err, store.ErrOverlappingPaths):
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
	case errors.Is(err, realtime.ErrPermission):
		logger.Warn("permission_denied", "path", string(ctx.Path()), "error", err)
		router.WriteJSONError(ctx, fasthttp.StatusForbidden, "permission denied")
	case errors.Is(err, realtime.ErrWritesPaused), errors.Is(err, realtime.ErrClosed), errors.Is(err, store.ErrNotOpen):
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("store_operation_failed", "path", string(ctx.Path()), "error", err)
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, fmt.Sprintf("store error: %v", err))
	}
}
