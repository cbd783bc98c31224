// Package toolapi is the agent-facing HTTP surface: three operations that
// map one-to-one onto the turns of a phone call.
package toolapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"voicebridge/internal/call"
	"voicebridge/internal/calllog"
	"voicebridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

// CallController is the slice of the call session core the adapter drives.
type CallController interface {
	Start(ctx context.Context, text string) (callID, reply string, err error)
	Continue(ctx context.Context, callID, text string) (string, error)
	End(ctx context.Context, callID, text string) (int, error)
}

type Handler struct {
	Calls   CallController
	Records calllog.Repository
	Log     *slog.Logger
}

type initiateRequest struct {
	Message string `json:"message" binding:"required"`
}

type turnRequest struct {
	CallID  string `json:"callId" binding:"required"`
	Message string `json:"message" binding:"required"`
}

type endRequest struct {
	CallID  string `json:"callId" binding:"required"`
	Message string `json:"message"`
}

// Initiate places the call, speaks the opening message and returns the
// user's first reply. On a failed first listen the call id is still
// returned so the agent can decide to retry or end.
func (h *Handler) Initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	callID, reply, err := h.Calls.Start(c.Request.Context(), req.Message)
	if err != nil {
		h.writeError(c, err, callID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": callID, "userReply": reply})
}

// Continue speaks the message on an active call and returns the reply.
func (h *Handler) Continue(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callId and message are required"})
		return
	}

	reply, err := h.Calls.Continue(c.Request.Context(), req.CallID, req.Message)
	if err != nil {
		h.writeError(c, err, req.CallID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": req.CallID, "userReply": reply})
}

// End speaks an optional farewell and hangs up. Ending an already-ended
// call reports not found.
func (h *Handler) End(c *gin.Context) {
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callId is required"})
		return
	}

	seconds, err := h.Calls.End(c.Request.Context(), req.CallID, req.Message)
	if err != nil {
		h.writeError(c, err, req.CallID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": req.CallID, "durationSeconds": seconds})
}

// RecentCalls lists finished call records, newest first.
func (h *Handler) RecentCalls(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..500"})
			return
		}
		limit = n
	}

	records, err := h.Records.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger().Error("recent calls query failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if records == nil {
		records = []calllog.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

func (h *Handler) writeError(c *gin.Context, err error, callID string) {
	body := gin.H{}
	if callID != "" {
		body["callId"] = callID
	}

	var provErr *telephony.ProviderError
	switch {
	case errors.Is(err, call.ErrNotFound):
		body["error"] = "call_not_found"
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, call.ErrUserHungUp):
		body["error"] = "user_hung_up"
		c.JSON(http.StatusGone, body)
	case errors.Is(err, call.ErrListenTimeout):
		body["error"] = "listen_timeout"
		c.JSON(http.StatusGatewayTimeout, body)
	case errors.Is(err, call.ErrAttachTimeout):
		body["error"] = "attach_timeout"
		c.JSON(http.StatusGatewayTimeout, body)
	case errors.Is(err, call.ErrCapacity):
		body["error"] = "too_many_calls"
		c.JSON(http.StatusTooManyRequests, body)
	case errors.As(err, &provErr):
		h.logger().Error("provider request failed", "err", err)
		body["error"] = "provider_error"
		c.JSON(http.StatusBadGateway, body)
	default:
		h.logger().Error("tool operation failed", "err", err)
		body["error"] = "internal_error"
		c.JSON(http.StatusInternalServerError, body)
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}
