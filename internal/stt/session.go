// Package stt maintains a long-lived streaming transcription session.
//
// Audio is pushed as G.711 µ-law frames; the service's server-side VAD
// decides when the user has stopped speaking and commits a final transcript.
// The session survives transport drops via bounded reconnection.
package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultRealtimeURL    = "wss://api.openai.com/v1/realtime?intent=transcription"
	defaultConnectTimeout = 10 * time.Second

	reconnectBase        = 1 * time.Second
	reconnectMaxAttempts = 5

	vadThreshold     = 0.5
	vadPrefixPadding = 300 // ms
)

var (
	ErrConnectFailed     = errors.New("stt: connect failed")
	ErrTranscriptTimeout = errors.New("stt: transcript timeout")

	// ErrDisconnected means the session dropped and every reconnect
	// attempt failed; the current listen cannot complete.
	ErrDisconnected = errors.New("stt: disconnected")
)

type Config struct {
	APIKey string

	// Silence is the server-side VAD window that commits an utterance.
	Silence time.Duration

	ConnectTimeout time.Duration

	// URL overrides the realtime endpoint; tests point it at a local server.
	URL string

	// ReconnectBase and ReconnectMaxAttempts bound the redial loop after an
	// unintentional drop. Zero values take the defaults.
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int

	Logger *slog.Logger
}

type transcriptResult struct {
	text string
	err  error
}

// Session is one bidirectional transcription connection. Safe for concurrent
// use: audio arrives from the media socket goroutine while the turn loop
// waits for transcripts.
type Session struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	waiter    chan transcriptResult
	onPartial func(string)
}

func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.URL == "" {
		cfg.URL = defaultRealtimeURL
	}
	if cfg.Silence <= 0 {
		cfg.Silence = 800 * time.Millisecond
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = reconnectBase
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = reconnectMaxAttempts
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{cfg: cfg, log: log}
}

// Connect dials the transcription endpoint and configures µ-law input with
// server VAD. It must be called before audio is sent.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.dial(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %v (http %d)", err, resp.StatusCode)
		}
		return err
	}

	update := map[string]any{
		"type": "transcription_session.update",
		"session": map[string]any{
			"input_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": "gpt-4o-transcribe",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           vadThreshold,
				"prefix_padding_ms":   vadPrefixPadding,
				"silence_duration_ms": int(s.cfg.Silence / time.Millisecond),
			},
		},
	}
	if err := conn.WriteJSON(update); err != nil {
		_ = conn.Close()
		return fmt.Errorf("session config: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return errors.New("session closed")
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

// SendAudio pushes µ-law bytes. Silently dropped when not connected; the
// telephony side keeps producing frames during reconnects and there is
// nothing useful to do with them.
func (s *Session) SendAudio(muLaw []byte) {
	if len(muLaw) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed {
		return
	}
	msg := map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(muLaw),
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Debug("stt audio write failed", "err", err)
	}
}

// OnPartial registers a streaming-preview callback for transcript deltas.
func (s *Session) OnPartial(cb func(string)) {
	s.mu.Lock()
	s.onPartial = cb
	s.mu.Unlock()
}

// WaitForTranscript resolves with the next VAD-committed final transcript.
// The waiter is single-shot: resolution or timeout clears it. The waiter is
// owned by the session, not the underlying connection, so it survives a
// reconnect; the timeout is the liveness bound.
func (s *Session) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	ch := make(chan transcriptResult, 1)
	s.mu.Lock()
	s.waiter = ch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-timer.C:
		s.clearWaiter(ch)
		return "", ErrTranscriptTimeout
	case <-ctx.Done():
		s.clearWaiter(ch)
		return "", ctx.Err()
	}
}

func (s *Session) clearWaiter(ch chan transcriptResult) {
	s.mu.Lock()
	if s.waiter == ch {
		s.waiter = nil
	}
	s.mu.Unlock()
}

// Close tears the session down. Idempotent; marks the session intentionally
// closed so the read loop does not reconnect.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "conversation.item.input_audio_transcription.delta":
			s.mu.Lock()
			cb := s.onPartial
			s.mu.Unlock()
			if cb != nil && ev.Delta != "" {
				cb(ev.Delta)
			}
		case "conversation.item.input_audio_transcription.completed":
			s.deliver(transcriptResult{text: ev.Transcript})
		case "error":
			s.log.Warn("stt server error", "message", ev.Error.Message)
		}
	}

	_ = conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	closed := s.closed
	s.mu.Unlock()

	if !closed {
		s.reconnect()
	}
}

func (s *Session) deliver(r transcriptResult) {
	s.mu.Lock()
	ch := s.waiter
	s.waiter = nil
	s.mu.Unlock()

	if ch != nil {
		ch <- r
	}
}

func (s *Session) reconnect() {
	backoff := s.cfg.ReconnectBase
	for attempt := 1; attempt <= s.cfg.ReconnectMaxAttempts; attempt++ {
		time.Sleep(backoff)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		err := s.dial(ctx)
		cancel()
		if err == nil {
			s.log.Info("stt session reconnected", "attempt", attempt)
			return
		}
		s.log.Warn("stt reconnect failed", "attempt", attempt, "err", err)
		backoff *= 2
	}
	s.log.Error("stt reconnect attempts exhausted")
	// A waiter armed across the drop will never see a transcript; fail it
	// instead of letting it ride out the full timeout.
	s.deliver(transcriptResult{err: ErrDisconnected})
}
