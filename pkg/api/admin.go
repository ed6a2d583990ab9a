package api

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"

	"portalchat/pkg/logger"
	"portalchat/pkg/models"
	"portalchat/pkg/router"
	"portalchat/pkg/telemetry"
)

func (a *API) AdminHealth(ctx *fasthttp.RequestCtx) {
	status := "ok"
	if a.deps.Engine.Paused() {
		status = "degraded"
	}
	_ = router.WriteJSON(ctx, map[string]string{"status": status, "service": "portalchat", "version": a.deps.Version})
}

// StatsResponse is the body of GET /admin/stats.
type StatsResponse struct {
	Conversations     int    `json:"conversations"`
	Users             int    `json:"users"`
	Subscriptions     int    `json:"subscriptions"`
	WritesPaused      bool   `json:"writes_paused"`
	BatchesApplied    uint64 `json:"batches_applied"`
	DiskUsage         string `json:"disk_usage,omitempty"`
	TracesWritten     uint64 `json:"traces_written"`
	TracesDropped     uint64 `json:"traces_dropped"`
	GeneratedAtMillis int64  `json:"generated_at"`
}

func (a *API) AdminStats(ctx *fasthttp.RequestCtx) {
	convs, err := a.deps.Engine.Children(ctx, models.RootConversations)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	users, err := a.deps.Engine.Children(ctx, models.RootUserConversations)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	written, dropped := telemetry.Stats()
	resp := StatsResponse{
		Conversations:     len(convs),
		Users:             len(users),
		Subscriptions:     a.deps.Engine.Subscriptions(),
		WritesPaused:      a.deps.Engine.Paused(),
		TracesWritten:     written,
		TracesDropped:     dropped,
		GeneratedAtMillis: time.Now().UnixMilli(),
	}
	if a.deps.DB != nil {
		resp.BatchesApplied = a.deps.DB.Writes()
		if m := a.deps.DB.Metrics(); m != nil {
			resp.DiskUsage = humanize.Bytes(m.DiskSpaceUsage())
		}
	}
	_ = router.WriteJSON(ctx, resp)
}

func (a *API) RunReconcile(ctx *fasthttp.RequestCtx) {
	if a.deps.Reconcile == nil {
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "reconcile job not configured")
		return
	}
	report, err := a.deps.Reconcile.RunOnce(ctx)
	if err != nil {
		logger.Error("reconcile_job_failed", "error", err)
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	_ = router.WriteJSON(ctx, report)
}
