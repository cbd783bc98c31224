package telephony

import (
	"context"
	"fmt"
)

// Provider defines the provider-agnostic outbound-call interface used by the
// call session core.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - The core must not branch on provider except through this interface and
//   the webhook dispatcher.
type Provider interface {
	Name() string

	// PlaceCall starts an outbound call and returns the provider's call id.
	PlaceCall(ctx context.Context, to, from, webhookURL string) (string, error)

	// StartStreaming asks the provider to open its media websocket to wsURL.
	// Document-driven providers (TwiML) make this a no-op; their stream URL is
	// delivered via StreamConnectDocument at webhook time.
	StartStreaming(ctx context.Context, providerCallID, wsURL string) error

	// Hangup is best-effort; callers log but do not propagate errors.
	Hangup(ctx context.Context, providerCallID string) error

	// StreamConnectDocument returns the XML document instructing the provider
	// to connect call media to wsURL, or "" for REST-driven providers.
	StreamConnectDocument(wsURL string) string
}

// ProviderError is returned on non-2xx responses from a provider's REST API.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

// Outbound call parameters shared by both providers.
const (
	ringTimeoutSecs        = 60
	answeringMachineDetect = "detect"
)
