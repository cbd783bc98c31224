package call

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/calllog"
	"voicebridge/internal/stt"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeProvider struct {
	mu      sync.Mutex
	placed  int
	hangups []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) PlaceCall(context.Context, string, string, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed++
	return "pcid-1", nil
}

func (p *fakeProvider) StartStreaming(context.Context, string, string) error { return nil }

func (p *fakeProvider) Hangup(_ context.Context, id string) error {
	p.mu.Lock()
	p.hangups = append(p.hangups, id)
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) StreamConnectDocument(string) string { return "" }

// fakeSynth returns a fixed amount of 24 kHz PCM16 regardless of text:
// 1920 bytes resample down to exactly two 160-byte µ-law frames.
type fakeSynth struct{}

func (fakeSynth) pcm() []byte { return bytes.Repeat([]byte{0x10, 0x00}, 960) }

func (s fakeSynth) Synthesize(context.Context, string) ([]byte, error) {
	return s.pcm(), nil
}

func (s fakeSynth) SynthesizeStream(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.pcm())), nil
}

type fakeTranscriber struct {
	mu      sync.Mutex
	audio   [][]byte
	replies chan string
	closed  bool
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{replies: make(chan string, 4)}
}

func (f *fakeTranscriber) SendAudio(b []byte) {
	f.mu.Lock()
	f.audio = append(f.audio, b)
	f.mu.Unlock()
}

func (f *fakeTranscriber) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case r := <-f.replies:
		return r, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", stt.ErrTranscriptTimeout
	}
}

func (f *fakeTranscriber) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type harness struct {
	core        *Core
	provider    *fakeProvider
	transcriber *fakeTranscriber
	records     *calllog.MemoryRepo
	srv         *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		provider:    &fakeProvider{},
		transcriber: newFakeTranscriber(),
		records:     calllog.NewMemoryRepo(),
	}

	r := gin.New()
	var core *Core
	r.GET("/media-stream", func(c *gin.Context) { core.HandleMediaSocket(c) })
	h.srv = httptest.NewServer(r)
	t.Cleanup(h.srv.Close)

	core = NewCore(
		CoreConfig{
			FromNumber:        "+15550002222",
			UserNumber:        "+15550001111",
			PublicURL:         func() string { return h.srv.URL },
			TranscriptTimeout: 2 * time.Second,
		},
		h.provider,
		fakeSynth{},
		func(context.Context) (Transcriber, error) { return h.transcriber, nil },
		h.records,
		nil,
		nil,
	)
	h.core = core
	return h
}

// mediaClient plays the provider's side of the stream: dial, announce the
// stream id, collect outbound frames.
type mediaClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	frames []string // base64 payloads in arrival order
	sids   []string
}

func (h *harness) dialMedia(t *testing.T, streamSID string) *mediaClient {
	t.Helper()

	var wsURL string
	deadline := time.Now().Add(2 * time.Second)
	for {
		var ok bool
		wsURL, ok = h.core.StreamURL("pcid-1")
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("StreamURL never resolved")
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media socket: %v", err)
	}
	mc := &mediaClient{conn: conn}

	if err := conn.WriteJSON(map[string]any{"event": "start", "streamSid": streamSID}); err != nil {
		t.Fatalf("send start: %v", err)
	}

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Event     string `json:"event"`
				StreamSID string `json:"streamSid"`
				Media     struct {
					Payload string `json:"payload"`
				} `json:"media"`
			}
			if json.Unmarshal(data, &msg) != nil || msg.Event != "media" {
				continue
			}
			mc.mu.Lock()
			mc.frames = append(mc.frames, msg.Media.Payload)
			mc.sids = append(mc.sids, msg.StreamSID)
			mc.mu.Unlock()
		}
	}()
	return mc
}

func (mc *mediaClient) waitFrames(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		mc.mu.Lock()
		got := len(mc.frames)
		mc.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d media frames, got %d", n, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartSpeaksAndReturnsReply(t *testing.T) {
	h := newHarness(t)

	type startResult struct {
		callID string
		reply  string
		err    error
	}
	done := make(chan startResult, 1)
	go func() {
		id, reply, err := h.core.Start(context.Background(), "hello, this is a test")
		done <- startResult{id, reply, err}
	}()

	mc := h.dialMedia(t, "MZ1")
	mc.waitFrames(t, 2)
	h.transcriber.replies <- "hi, who is this?"

	res := <-done
	if res.err != nil {
		t.Fatalf("Start: %v", res.err)
	}
	if res.callID == "" {
		t.Fatalf("expected call id")
	}
	if res.reply != "hi, who is this?" {
		t.Fatalf("expected user reply, got %q", res.reply)
	}

	mc.mu.Lock()
	first, err := base64.StdEncoding.DecodeString(mc.frames[0])
	sid := mc.sids[0]
	mc.mu.Unlock()
	if err != nil {
		t.Fatalf("frame payload not base64: %v", err)
	}
	if len(first) != frameBytes {
		t.Fatalf("expected %d-byte frame, got %d", frameBytes, len(first))
	}
	if sid != "MZ1" {
		t.Fatalf("expected frames tagged with stream sid, got %q", sid)
	}

	c, ok := h.core.Registry().Get(res.callID)
	if !ok {
		t.Fatalf("call must stay active after a successful turn")
	}
	hist := c.History()
	if len(hist) != 2 || hist[0].Speaker != SpeakerAgent || hist[1].Speaker != SpeakerUser {
		t.Fatalf("expected agent/user history pair, got %v", hist)
	}
}

func TestContinueThenEnd(t *testing.T) {
	h := newHarness(t)

	done := make(chan string, 1)
	go func() {
		id, _, err := h.core.Start(context.Background(), "opening line")
		if err != nil {
			t.Errorf("Start: %v", err)
		}
		done <- id
	}()

	mc := h.dialMedia(t, "MZ2")
	mc.waitFrames(t, 1)
	h.transcriber.replies <- "first reply"
	callID := <-done

	h.transcriber.replies <- "second reply"
	reply, err := h.core.Continue(context.Background(), callID, "a follow-up question")
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if reply != "second reply" {
		t.Fatalf("expected second reply, got %q", reply)
	}

	seconds, err := h.core.End(context.Background(), callID, "goodbye")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if seconds < 0 {
		t.Fatalf("negative duration %d", seconds)
	}

	if _, err := h.core.End(context.Background(), callID, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second End must report ErrNotFound, got %v", err)
	}
	if _, err := h.core.Continue(context.Background(), callID, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Continue after End must report ErrNotFound, got %v", err)
	}

	h.provider.mu.Lock()
	hangups := len(h.provider.hangups)
	h.provider.mu.Unlock()
	if hangups != 1 {
		t.Fatalf("expected exactly one remote hangup, got %d", hangups)
	}

	h.transcriber.mu.Lock()
	closed := h.transcriber.closed
	h.transcriber.mu.Unlock()
	if !closed {
		t.Fatalf("stt session must be closed on end")
	}

	recs, err := h.records.Recent(context.Background(), 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one call record, got %v (%v)", recs, err)
	}
	if recs[0].CallID != callID || recs[0].HangupCause != "agent_end" {
		t.Fatalf("unexpected record %+v", recs[0])
	}
}

func TestRemoteHangupDuringListen(t *testing.T) {
	h := newHarness(t)

	type startResult struct {
		err error
	}
	done := make(chan startResult, 1)
	go func() {
		_, _, err := h.core.Start(context.Background(), "hello")
		done <- startResult{err}
	}()

	mc := h.dialMedia(t, "MZ3")
	mc.waitFrames(t, 1)

	// The user hangs up instead of answering.
	h.core.MarkHangup("pcid-1")

	res := <-done
	if !errors.Is(res.err, ErrUserHungUp) {
		t.Fatalf("expected ErrUserHungUp, got %v", res.err)
	}
	if h.core.ActiveCount() != 0 {
		t.Fatalf("call must be cleaned up after remote hangup")
	}
}

func TestListenTimeout(t *testing.T) {
	h := newHarness(t)
	h.core.cfg.TranscriptTimeout = 150 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, _, err := h.core.Start(context.Background(), "hello")
		done <- err
	}()

	mc := h.dialMedia(t, "MZ4")
	mc.waitFrames(t, 1)

	err := <-done
	if !errors.Is(err, ErrListenTimeout) {
		t.Fatalf("expected ErrListenTimeout, got %v", err)
	}
	// The call stays alive; the agent decides whether to retry or end.
	if h.core.ActiveCount() != 1 {
		t.Fatalf("call must survive a listen timeout")
	}
}

func TestInboundMediaReachesTranscriber(t *testing.T) {
	h := newHarness(t)

	done := make(chan string, 1)
	go func() {
		id, _, err := h.core.Start(context.Background(), "hello")
		if err != nil {
			t.Errorf("Start: %v", err)
		}
		done <- id
	}()

	mc := h.dialMedia(t, "MZ5")
	mc.waitFrames(t, 1)

	inbound := []byte{0x01, 0x02, 0x03, 0x04}
	err := mc.conn.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]any{
			"track":   "inbound",
			"payload": base64.StdEncoding.EncodeToString(inbound),
		},
	})
	if err != nil {
		t.Fatalf("send inbound media: %v", err)
	}
	// Outbound-track echoes must be ignored.
	_ = mc.conn.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]any{
			"track":   "outbound",
			"payload": base64.StdEncoding.EncodeToString([]byte{0xff}),
		},
	})

	deadline := time.Now().Add(time.Second)
	for {
		h.transcriber.mu.Lock()
		n := len(h.transcriber.audio)
		h.transcriber.mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("inbound audio never reached the transcriber")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.transcriber.mu.Lock()
	got := h.transcriber.audio
	h.transcriber.mu.Unlock()
	if len(got) != 1 || !bytes.Equal(got[0], inbound) {
		t.Fatalf("expected only the inbound payload, got %v", got)
	}

	h.transcriber.replies <- "ok"
	<-done
}

func TestAttachTimeout(t *testing.T) {
	h := newHarness(t)
	h.core.cfg.AttachWindow = 200 * time.Millisecond

	// No media socket ever dials in.
	callID, _, err := h.core.Start(context.Background(), "hello")
	if !errors.Is(err, ErrAttachTimeout) {
		t.Fatalf("expected ErrAttachTimeout, got %v", err)
	}
	if callID == "" {
		t.Fatalf("failed Start must still report the call id")
	}
	if h.core.ActiveCount() != 0 {
		t.Fatalf("call must be removed after attach timeout")
	}

	h.transcriber.mu.Lock()
	closed := h.transcriber.closed
	h.transcriber.mu.Unlock()
	if !closed {
		t.Fatalf("stt session must be closed after attach timeout")
	}

	h.provider.mu.Lock()
	hangups := len(h.provider.hangups)
	h.provider.mu.Unlock()
	if hangups != 1 {
		t.Fatalf("expected the placed call to be hung up, got %d hangups", hangups)
	}

	recs, err := h.records.Recent(context.Background(), 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one call record, got %v (%v)", recs, err)
	}
	if recs[0].HangupCause != "attach_timeout" {
		t.Fatalf("expected attach_timeout cause, got %q", recs[0].HangupCause)
	}
}

func TestFramePlayerPacesOutput(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := mustCall(t, "call-pace")
	c.attachSocket(conn)
	c.setStreamSID("MZP")

	// The first frame goes out immediately; each of the remaining k-1 frames
	// waits for its slot, so the whole utterance cannot finish early.
	const frames = 8
	start := time.Now()
	p := newFramePlayer(c)
	p.push(bytes.Repeat([]byte{0xff}, frames*frameBytes))
	elapsed := time.Since(start)

	if p.failed {
		t.Fatalf("player failed against a healthy socket")
	}
	if minimum := time.Duration(frames-1) * framePace; elapsed < minimum {
		t.Fatalf("%d frames sent in %v, pacing floor is %v", frames, elapsed, minimum)
	}
}

func TestMediaSocketRejectsUnknownToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/media-stream?token=bogus")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", resp.StatusCode)
	}
}
