package telephony

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
)

func TestVerifyTelnyxSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)

	body := []byte(`{"data":{"event_type":"call.answered"}}`)
	ts := "1724500000"

	signed := append([]byte(ts+"|"), body...)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, signed))

	if err := VerifyTelnyxSignature(pubB64, sig, ts, body); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	if err := VerifyTelnyxSignature(pubB64, sig, "1724500001", body); err == nil {
		t.Fatalf("expected rejection for altered timestamp")
	}
	if err := VerifyTelnyxSignature(pubB64, sig, ts, []byte(`{}`)); err == nil {
		t.Fatalf("expected rejection for altered body")
	}
	if err := VerifyTelnyxSignature("not-base64!!", sig, ts, body); err == nil {
		t.Fatalf("expected rejection for malformed public key")
	}
}

func TestVerifyTwilioSignature(t *testing.T) {
	const token = "twilio-auth-token"
	fullURL := "https://example.ngrok.app/twiml"
	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "in-progress")

	sig := SignTwilioPayload(token, fullURL, form)

	if err := VerifyTwilioSignature(token, sig, fullURL, form); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	if err := VerifyTwilioSignature(token, sig, fullURL+"?x=1", form); err == nil {
		t.Fatalf("expected rejection for altered URL")
	}

	tampered := url.Values{}
	tampered.Set("CallSid", "CA999")
	tampered.Set("CallStatus", "in-progress")
	if err := VerifyTwilioSignature(token, sig, fullURL, tampered); err == nil {
		t.Fatalf("expected rejection for altered params")
	}

	if err := VerifyTwilioSignature("wrong-token", sig, fullURL, form); err == nil {
		t.Fatalf("expected rejection for wrong auth token")
	}
}

func TestRenderStreamConnect(t *testing.T) {
	doc := RenderStreamConnect("wss://example.ngrok.app/media-stream?token=abc")
	want := `<Stream url="wss://example.ngrok.app/media-stream?token=abc">`
	if !strings.Contains(doc, "<Response>") || !strings.Contains(doc, "<Connect>") || !strings.Contains(doc, want) {
		t.Fatalf("unexpected twiml:\n%s", doc)
	}
}
