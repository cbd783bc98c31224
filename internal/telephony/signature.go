package telephony

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
)

// Telnyx signs webhooks with Ed25519 over "<timestamp>|<body>". The public
// key is account-wide and configured out of band.
func VerifyTelnyxSignature(publicKeyB64, signatureB64, timestamp string, body []byte) error {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return fmt.Errorf("telephony: bad telnyx public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("telephony: telnyx public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("telephony: bad telnyx signature encoding: %w", err)
	}

	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '|')
	signed = append(signed, body...)

	if !ed25519.Verify(ed25519.PublicKey(pub), signed, sig) {
		return fmt.Errorf("telephony: telnyx signature mismatch")
	}
	return nil
}

// VerifyTwilioSignature checks the shared-secret HMAC-SHA1 Twilio computes
// over the full webhook URL concatenated with the sorted form parameters.
func VerifyTwilioSignature(authToken, signatureB64, fullURL string, form url.Values) error {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := fullURL
	for _, k := range keys {
		for _, v := range form[k] {
			payload += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(want), []byte(signatureB64)) != 1 {
		return fmt.Errorf("telephony: twilio signature mismatch")
	}
	return nil
}

// SignTwilioPayload computes the signature Twilio would send; used by tests
// and local tooling.
func SignTwilioPayload(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := fullURL
	for _, k := range keys {
		for _, v := range form[k] {
			payload += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
