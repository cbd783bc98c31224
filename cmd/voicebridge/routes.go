package main

import (
	"context"
	"log/slog"
	"net/http"

	"voicebridge/internal/auth"
	"voicebridge/internal/call"
	"voicebridge/internal/calllog"
	"voicebridge/internal/telephony"
	"voicebridge/internal/toolapi"

	"github.com/gin-gonic/gin"
)

func registerRoutes(
	r *gin.Engine,
	core *call.Core,
	webhook *telephony.WebhookHandler,
	authManager *auth.Manager,
	records calllog.Repository,
	log *slog.Logger,
) {
	// Provider-facing surface; authenticated by webhook signatures and
	// per-call stream tokens, not bearer tokens.
	r.GET("/health", healthHandler(core, records))
	r.POST("/twiml", webhook.Handle)
	r.GET("/media-stream", core.HandleMediaSocket)

	tool := &toolapi.Handler{Calls: core, Records: records, Log: log}

	v1 := r.Group("/v1", auth.RequireToken(authManager))
	{
		v1.POST("/tool/initiate", tool.Initiate)
		v1.POST("/tool/continue", tool.Continue)
		v1.POST("/tool/end", tool.End)
		v1.GET("/calls/recent", tool.RecentCalls)
	}
}

// healthHandler reports liveness plus the record store's reachability when
// the store is backed by a database.
func healthHandler(core *call.Core, records calllog.Repository) gin.HandlerFunc {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	return func(c *gin.Context) {
		resp := gin.H{"status": "ok", "activeCalls": core.ActiveCount()}
		if p, ok := records.(pinger); ok {
			if err := p.Ping(c.Request.Context()); err != nil {
				resp["status"] = "degraded"
				resp["records"] = "unreachable"
			} else {
				resp["records"] = "ok"
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
