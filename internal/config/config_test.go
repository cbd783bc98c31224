package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PHONE_FROM_NUMBER", "+15550002222")
	t.Setenv("USER_NUMBER", "+15550001111")
	t.Setenv("PHONE_PROVIDER", "telnyx")
	t.Setenv("TELNYX_API_KEY", "key")
	t.Setenv("TELNYX_CONNECTION_ID", "conn")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TOOL_API_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.Port != 3333 {
		t.Fatalf("expected default port 3333, got %d", cfg.App.Port)
	}
	if cfg.OpenAI.TTSVoice != "onyx" {
		t.Fatalf("expected default voice onyx, got %q", cfg.OpenAI.TTSVoice)
	}
	if cfg.OpenAI.TranscriptTimeout != 180*time.Second {
		t.Fatalf("expected 180s transcript timeout, got %v", cfg.OpenAI.TranscriptTimeout)
	}
	if cfg.OpenAI.STTSilence != 800*time.Millisecond {
		t.Fatalf("expected 800ms silence, got %v", cfg.OpenAI.STTSilence)
	}
	if cfg.HasDB() || cfg.HasRedis() {
		t.Fatalf("db/redis must default off")
	}
	if cfg.Tunnel.AllowTokenlessAttach {
		t.Fatalf("tokenless attach must default off")
	}
	if cfg.HTTPAddr() != ":3333" {
		t.Fatalf("unexpected addr %q", cfg.HTTPAddr())
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOCAL_PORT", "8081")
	t.Setenv("TTS_VOICE", "alloy")
	t.Setenv("TRANSCRIPT_TIMEOUT_MS", "30000")
	t.Setenv("STT_SILENCE_MS", "500")
	t.Setenv("ALLOW_TOKENLESS_ATTACH", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Port != 8081 {
		t.Fatalf("expected port 8081, got %d", cfg.App.Port)
	}
	if cfg.OpenAI.TTSVoice != "alloy" {
		t.Fatalf("expected voice alloy, got %q", cfg.OpenAI.TTSVoice)
	}
	if cfg.OpenAI.TranscriptTimeout != 30*time.Second {
		t.Fatalf("expected 30s, got %v", cfg.OpenAI.TranscriptTimeout)
	}
	if cfg.OpenAI.STTSilence != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %v", cfg.OpenAI.STTSilence)
	}
	if !cfg.Tunnel.AllowTokenlessAttach {
		t.Fatalf("expected tokenless attach enabled")
	}
}

func TestLoadRejectsMissingProviderCreds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELNYX_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error for missing telnyx key")
	}
	if !strings.Contains(err.Error(), "TELNYX_API_KEY") {
		t.Fatalf("error should name the missing var, got %v", err)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PHONE_PROVIDER", "pigeon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "PHONE_PROVIDER") {
		t.Fatalf("expected provider validation error, got %v", err)
	}
}

func TestLoadTwilioProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PHONE_PROVIDER", "twilio")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Name != "twilio" {
		t.Fatalf("expected twilio, got %q", cfg.Provider.Name)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PHONE_FROM_NUMBER", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected joined validation errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "PHONE_FROM_NUMBER") || !strings.Contains(msg, "OPENAI_API_KEY") {
		t.Fatalf("expected both failures reported, got %v", msg)
	}
}
