package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelnyxProvider drives calls through the Telnyx Call Control v2 REST API.
// Webhook events arrive as JSON and streaming is started by a REST action,
// so StreamConnectDocument is empty.
type TelnyxProvider struct {
	apiKey       string
	connectionID string
	baseURL      string
	httpClient   *http.Client
}

type TelnyxConfig struct {
	APIKey       string
	ConnectionID string
	BaseURL      string
	HTTPClient   *http.Client
}

func NewTelnyxProvider(cfg TelnyxConfig) (*TelnyxProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("telephony: telnyx api key is required")
	}
	if cfg.ConnectionID == "" {
		return nil, fmt.Errorf("telephony: telnyx connection id is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telnyx.com"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TelnyxProvider{
		apiKey:       cfg.APIKey,
		connectionID: cfg.ConnectionID,
		baseURL:      baseURL,
		httpClient:   httpClient,
	}, nil
}

func (p *TelnyxProvider) Name() string { return "telnyx" }

type telnyxCallRequest struct {
	ConnectionID              string `json:"connection_id"`
	To                        string `json:"to"`
	From                      string `json:"from"`
	WebhookURL                string `json:"webhook_url"`
	WebhookURLMethod          string `json:"webhook_url_method"`
	AnsweringMachineDetection string `json:"answering_machine_detection"`
	TimeoutSecs               int    `json:"timeout_secs"`
}

type telnyxCallResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
		CallLegID     string `json:"call_leg_id"`
	} `json:"data"`
}

func (p *TelnyxProvider) PlaceCall(ctx context.Context, to, from, webhookURL string) (string, error) {
	body := telnyxCallRequest{
		ConnectionID:              p.connectionID,
		To:                        to,
		From:                      from,
		WebhookURL:                webhookURL,
		WebhookURLMethod:          http.MethodPost,
		AnsweringMachineDetection: answeringMachineDetect,
		TimeoutSecs:               ringTimeoutSecs,
	}

	var resp telnyxCallResponse
	if err := p.post(ctx, "/v2/calls", body, &resp); err != nil {
		return "", err
	}
	if resp.Data.CallControlID == "" {
		return "", fmt.Errorf("telnyx: response missing call_control_id")
	}
	return resp.Data.CallControlID, nil
}

type telnyxStreamingStartRequest struct {
	StreamURL                string `json:"stream_url"`
	StreamTrack              string `json:"stream_track"`
	StreamBidirectionalMode  string `json:"stream_bidirectional_mode"`
	StreamBidirectionalCodec string `json:"stream_bidirectional_codec"`
}

func (p *TelnyxProvider) StartStreaming(ctx context.Context, providerCallID, wsURL string) error {
	body := telnyxStreamingStartRequest{
		StreamURL:                wsURL,
		StreamTrack:              "both_tracks",
		StreamBidirectionalMode:  "rtp",
		StreamBidirectionalCodec: "PCMU",
	}
	path := fmt.Sprintf("/v2/calls/%s/actions/streaming_start", providerCallID)
	return p.post(ctx, path, body, nil)
}

func (p *TelnyxProvider) Hangup(ctx context.Context, providerCallID string) error {
	path := fmt.Sprintf("/v2/calls/%s/actions/hangup", providerCallID)
	return p.post(ctx, path, struct{}{}, nil)
}

// StreamConnectDocument is unused for Telnyx; streaming is REST-driven.
func (p *TelnyxProvider) StreamConnectDocument(wsURL string) string { return "" }

func (p *TelnyxProvider) post(ctx context.Context, path string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Provider: "telnyx", Status: resp.StatusCode, Body: string(raw)}
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("telnyx: parse response: %w", err)
		}
	}
	return nil
}
