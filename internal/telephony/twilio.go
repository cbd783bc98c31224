package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TwilioProvider drives calls through the Twilio REST API. Twilio delivers
// webhooks as form-encoded POSTs and expects a TwiML response document, so
// StartStreaming is a no-op and the media stream is connected by returning
// StreamConnectDocument from the webhook handler.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("telephony: twilio account sid is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("telephony: twilio auth token is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com/2010-04-01"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, to, from, webhookURL string) (string, error) {
	data := url.Values{}
	data.Set("To", to)
	data.Set("From", from)
	data.Set("Url", webhookURL)
	data.Set("Method", http.MethodPost)
	data.Set("MachineDetection", "Enable")
	data.Set("Timeout", strconv.Itoa(ringTimeoutSecs))
	// Terminal statuses also arrive on the same webhook.
	data.Set("StatusCallback", webhookURL)
	data.Set("StatusCallbackMethod", http.MethodPost)

	var resp struct {
		SID string `json:"sid"`
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", p.baseURL, p.accountSID)
	if err := p.post(ctx, endpoint, data, &resp); err != nil {
		return "", err
	}
	if resp.SID == "" {
		return "", fmt.Errorf("twilio: response missing sid")
	}
	return resp.SID, nil
}

// StartStreaming is a no-op: the stream URL is delivered in the TwiML
// response produced by StreamConnectDocument.
func (p *TwilioProvider) StartStreaming(ctx context.Context, providerCallID, wsURL string) error {
	return nil
}

func (p *TwilioProvider) Hangup(ctx context.Context, providerCallID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", p.baseURL, p.accountSID, providerCallID)
	return p.post(ctx, endpoint, data, nil)
}

func (p *TwilioProvider) StreamConnectDocument(wsURL string) string {
	return RenderStreamConnect(wsURL)
}

func (p *TwilioProvider) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.accountSID, p.authToken)

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
		return &ProviderError{Provider: "twilio", Status: resp.StatusCode, Body: string(raw)}
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("twilio: parse response: %w", err)
		}
	}
	return nil
}
