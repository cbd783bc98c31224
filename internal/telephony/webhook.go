package telephony

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"voicebridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallDirectory is the slice of the call session core the webhook intake is
// allowed to touch. Lookups are keyed by the provider's call id.
type CallDirectory interface {
	// StreamURL returns the wss:// media URL (carrying the call's ws token)
	// for the call owning providerCallID.
	StreamURL(providerCallID string) (string, bool)

	MarkStreamingReady(providerCallID string)
	MarkHangup(providerCallID string)
}

// WebhookHandler receives provider events at POST /twiml. Telnyx posts JSON
// events; Twilio posts form-encoded status callbacks and expects TwiML back.
type WebhookHandler struct {
	Provider Provider
	Calls    CallDirectory

	// TelnyxPublicKey is optional; empty downgrades verification to a warning.
	TelnyxPublicKey string
	TwilioAuthToken string

	// PublicHost reports the tunnel's current public host; IsEphemeralHost
	// identifies free-tier tunnel domains whose header canonicalization can
	// break signature verification.
	PublicHost      func() string
	IsEphemeralHost func(string) bool

	// StartStreamingTimeout bounds the REST action triggered by call.answered.
	StartStreamingTimeout time.Duration
}

func (h *WebhookHandler) Handle(c *gin.Context) {
	ct := c.ContentType()
	switch {
	case strings.HasPrefix(ct, "application/json"):
		h.handleTelnyx(c)
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		h.handleTwilio(c)
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unsupported content type"})
	}
}

type telnyxEvent struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
		} `json:"payload"`
	} `json:"data"`
}

func (h *WebhookHandler) handleTelnyx(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if h.TelnyxPublicKey == "" {
		log.Warn("telnyx webhook accepted without verification: no public key configured")
	} else {
		sig := c.GetHeader("Telnyx-Signature-Ed25519")
		ts := c.GetHeader("Telnyx-Timestamp")
		if err := VerifyTelnyxSignature(h.TelnyxPublicKey, sig, ts, body); err != nil {
			if h.ephemeralCarveOut() {
				log.Warn("telnyx signature mismatch ignored on ephemeral tunnel host", "err", err)
			} else {
				log.Warn("telnyx webhook rejected", "err", err)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
				return
			}
		}
	}

	var ev telnyxEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		// Tolerate unknown shapes; the provider retries on non-2xx.
		log.Warn("telnyx webhook parse failed", "err", err)
		c.Status(http.StatusOK)
		return
	}

	// Acknowledge before acting so provider retries never stack up behind
	// our own REST calls.
	c.Status(http.StatusOK)

	eventType := ev.Data.EventType
	providerCallID := ev.Data.Payload.CallControlID
	log.Info("telnyx event", "event", eventType, "provider_call_id", providerCallID)

	switch eventType {
	case "call.initiated":
		// Observational.
	case "call.answered":
		wsURL, ok := h.Calls.StreamURL(providerCallID)
		if !ok {
			log.Warn("call.answered for unknown call", "provider_call_id", providerCallID)
			return
		}
		timeout := h.StartStreamingTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := h.Provider.StartStreaming(ctx, providerCallID, wsURL); err != nil {
				log.Error("streaming_start failed", "provider_call_id", providerCallID, "err", err)
			}
		}()
	case "streaming.started":
		h.Calls.MarkStreamingReady(providerCallID)
	case "call.hangup":
		h.Calls.MarkHangup(providerCallID)
	case "call.machine.detection.ended":
		log.Info("machine detection ended", "provider_call_id", providerCallID)
	case "streaming.stopped":
		// Observational.
	default:
		log.Debug("unhandled telnyx event", "event", eventType)
	}
}

var twilioTerminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"no-answer": true,
	"failed":    true,
}

func (h *WebhookHandler) handleTwilio(c *gin.Context) {
	log := logger.FromGin(c)

	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	// Form callbacks can mark calls hung up, so they are never accepted
	// unverified. Without an auth token there is no way to verify.
	if h.TwilioAuthToken == "" {
		log.Warn("twilio webhook rejected: no auth token configured")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "webhook verification not configured"})
		return
	}

	sig := c.GetHeader("X-Twilio-Signature")
	fullURL := h.requestURL(c)
	if err := VerifyTwilioSignature(h.TwilioAuthToken, sig, fullURL, c.Request.PostForm); err != nil {
		if h.ephemeralCarveOut() {
			log.Warn("twilio signature mismatch ignored on ephemeral tunnel host", "err", err)
		} else {
			log.Warn("twilio webhook rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	callSID := c.Request.PostFormValue("CallSid")
	status := c.Request.PostFormValue("CallStatus")
	log.Info("twilio event", "provider_call_id", callSID, "status", status)

	if twilioTerminalStatuses[status] {
		h.Calls.MarkHangup(callSID)
		c.Status(http.StatusOK)
		return
	}

	wsURL, ok := h.Calls.StreamURL(callSID)
	if !ok {
		log.Warn("twilio webhook for unknown call", "provider_call_id", callSID)
		c.Status(http.StatusOK)
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, h.Provider.StreamConnectDocument(wsURL))
}

func (h *WebhookHandler) ephemeralCarveOut() bool {
	if h.PublicHost == nil || h.IsEphemeralHost == nil {
		return false
	}
	return h.IsEphemeralHost(h.PublicHost())
}

func (h *WebhookHandler) requestURL(c *gin.Context) string {
	scheme := "https"
	host := c.Request.Host
	if h.PublicHost != nil {
		if ph := h.PublicHost(); ph != "" {
			host = ph
		}
	}
	return scheme + "://" + host + c.Request.URL.RequestURI()
}
