package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"voicebridge/internal/audio"
	"voicebridge/internal/calllog"
	"voicebridge/internal/stt"
	"voicebridge/internal/telephony"
	"voicebridge/internal/tts"

	"github.com/google/uuid"
)

const (
	// One 20 ms µ-law frame at 8 kHz. Sent every 18 ms so the provider's
	// jitter buffer stays ahead of playback.
	frameBytes = 160
	framePace  = 18 * time.Millisecond

	// playbackTail pads the gap between the last frame leaving us and the
	// last frame leaving the phone's speaker.
	playbackTail = 200 * time.Millisecond

	defaultAttachWindow = 15 * time.Second
	attachPoll          = 100 * time.Millisecond

	// endDrain lets queued farewell audio play out before the REST hangup.
	endDrain = 2 * time.Second

	hangupTimeout = 10 * time.Second

	shutdownFarewell = "I'm sorry, I have to go now. Goodbye."
)

// Limiter caps simultaneous active calls across processes.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

type CoreConfig struct {
	FromNumber string
	UserNumber string

	// PublicURL reports the tunnel's current https base URL.
	PublicURL func() string

	// TranscriptTimeout bounds a single listen.
	TranscriptTimeout time.Duration

	// AttachWindow bounds the wait for the media stream after PlaceCall.
	AttachWindow time.Duration

	// AllowTokenlessAttach enables the last-resort media socket pairing
	// fallback; honored only on ephemeral tunnel hosts.
	AllowTokenlessAttach bool

	// IsEphemeralHost classifies the current public host.
	IsEphemeralHost func(string) bool
}

// Core drives the call lifecycle: create, place, attach, then alternating
// speak/listen turns until the call ends. One Core serves all calls.
type Core struct {
	cfg      CoreConfig
	provider telephony.Provider
	tts      tts.Synthesizer
	newSTT   func(ctx context.Context) (Transcriber, error)
	registry *Registry
	records  calllog.Repository
	limiter  Limiter
	log      *slog.Logger
}

func NewCore(
	cfg CoreConfig,
	provider telephony.Provider,
	synth tts.Synthesizer,
	newSTT func(ctx context.Context) (Transcriber, error),
	records calllog.Repository,
	limiter Limiter,
	log *slog.Logger,
) *Core {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TranscriptTimeout <= 0 {
		cfg.TranscriptTimeout = 180 * time.Second
	}
	if cfg.AttachWindow <= 0 {
		cfg.AttachWindow = defaultAttachWindow
	}
	return &Core{
		cfg:      cfg,
		provider: provider,
		tts:      synth,
		newSTT:   newSTT,
		registry: NewRegistry(),
		records:  records,
		limiter:  limiter,
		log:      log,
	}
}

func (co *Core) Registry() *Registry { return co.registry }

func (co *Core) ActiveCount() int { return co.registry.ActiveCount() }

// Start places a call, speaks text once the media stream attaches, then
// listens for the user's first reply. The returned call id stays valid for
// Continue/End even when the listen step fails.
func (co *Core) Start(ctx context.Context, text string) (callID, reply string, err error) {
	if co.limiter != nil {
		ok, err := co.limiter.Acquire(ctx)
		if err != nil {
			return "", "", fmt.Errorf("call: capacity check: %w", err)
		}
		if !ok {
			return "", "", ErrCapacity
		}
	}

	c, err := newCall(uuid.NewString(), co.cfg.UserNumber, co.cfg.FromNumber)
	if err != nil {
		if co.limiter != nil {
			co.limiter.Release(context.Background())
		}
		return "", "", fmt.Errorf("call: token generation: %w", err)
	}
	co.registry.Add(c)

	// The transcription session is opened before the phone ever rings so the
	// first inbound frame has somewhere to go.
	transcriber, err := co.newSTT(ctx)
	if err != nil {
		co.cleanup(c, "stt_connect_failed")
		return c.ID, "", err
	}
	c.setTranscriber(transcriber)

	// The first utterance is synthesized while the phone is still ringing so
	// playback starts the moment the stream attaches.
	greeting := co.pregenerate(ctx, text)

	webhookURL := strings.TrimRight(co.cfg.PublicURL(), "/") + "/twiml"
	providerCallID, err := co.provider.PlaceCall(ctx, co.cfg.UserNumber, co.cfg.FromNumber, webhookURL)
	if err != nil {
		co.cleanup(c, "place_failed")
		return c.ID, "", fmt.Errorf("call: place: %w", err)
	}
	c.setProviderCallID(providerCallID)
	co.registry.IndexProvider(c.ID, providerCallID)
	co.log.Info("call placed", "call_id", c.ID, "provider_call_id", providerCallID, "provider", co.provider.Name())

	if err := co.waitForAttach(ctx, c); err != nil {
		co.hangupRemote(c)
		co.cleanup(c, attachCause(err))
		return c.ID, "", err
	}
	co.log.Info("media stream attached", "call_id", c.ID, "stream_sid", c.StreamSID())

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	co.playGreeting(ctx, c, greeting, text)

	reply, err = co.finishTurn(ctx, c, text)
	return c.ID, reply, err
}

// Continue speaks text on an established call and returns the user's reply.
func (co *Core) Continue(ctx context.Context, callID, text string) (string, error) {
	c, ok := co.registry.Get(callID)
	if !ok {
		return "", ErrNotFound
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if c.HungUp() {
		co.cleanup(c, "remote_hangup")
		return "", ErrUserHungUp
	}

	if err := co.speak(ctx, c, text); err != nil {
		return "", err
	}
	return co.finishTurn(ctx, c, text)
}

// End speaks a farewell, lets it play out, hangs up and tears the call down.
// Returns the call duration in whole seconds. A second End on the same id
// reports ErrNotFound.
func (co *Core) End(ctx context.Context, callID, text string) (int, error) {
	c, ok := co.registry.Get(callID)
	if !ok {
		return 0, ErrNotFound
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if !c.HungUp() && text != "" {
		if err := co.speak(ctx, c, text); err != nil {
			co.log.Warn("farewell playback failed", "call_id", c.ID, "err", err)
		} else {
			c.appendHistory(Entry{Speaker: SpeakerAgent, Text: text})
		}
	}
	if !c.HungUp() {
		select {
		case <-time.After(endDrain):
		case <-c.Done():
		case <-ctx.Done():
		}
	}

	co.hangupRemote(c)
	duration := c.Duration()
	co.cleanup(c, "agent_end")
	co.log.Info("call ended", "call_id", c.ID, "duration_s", int(duration.Seconds()))
	return int(duration.Seconds()), nil
}

// Shutdown ends every active call with a canned farewell.
func (co *Core) Shutdown(ctx context.Context) {
	for _, c := range co.registry.Active() {
		if _, err := co.End(ctx, c.ID, shutdownFarewell); err != nil && !errors.Is(err, ErrNotFound) {
			co.log.Warn("shutdown end failed", "call_id", c.ID, "err", err)
		}
	}
}

// finishTurn listens for the user's reply and, on success, commits the
// agent/user exchange to history. Failed turns leave history untouched.
func (co *Core) finishTurn(ctx context.Context, c *Call, agentText string) (string, error) {
	reply, err := co.listen(ctx, c)
	if err != nil {
		if errors.Is(err, ErrUserHungUp) {
			co.cleanup(c, "remote_hangup")
		}
		return "", err
	}
	c.appendHistory(
		Entry{Speaker: SpeakerAgent, Text: agentText},
		Entry{Speaker: SpeakerUser, Text: reply},
	)
	return reply, nil
}

func attachCause(err error) string {
	switch {
	case errors.Is(err, ErrUserHungUp):
		return "remote_hangup"
	case errors.Is(err, ErrAttachTimeout):
		return "attach_timeout"
	default:
		return "attach_failed"
	}
}

// waitForAttach polls until the media socket is connected and the stream is
// identified, the far end hangs up, or the window closes.
func (co *Core) waitForAttach(ctx context.Context, c *Call) error {
	deadline := time.NewTimer(co.cfg.AttachWindow)
	defer deadline.Stop()
	tick := time.NewTicker(attachPoll)
	defer tick.Stop()

	for {
		if c.attached() {
			return nil
		}
		select {
		case <-tick.C:
		case <-c.Done():
			return ErrUserHungUp
		case <-deadline.C:
			return ErrAttachTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type synthResult struct {
	muLaw []byte
	err   error
}

// pregenerate synthesizes text to telephone-ready µ-law off the turn path.
func (co *Core) pregenerate(ctx context.Context, text string) <-chan synthResult {
	ch := make(chan synthResult, 1)
	go func() {
		pcm, err := co.tts.Synthesize(ctx, text)
		if err != nil {
			ch <- synthResult{err: err}
			return
		}
		ch <- synthResult{muLaw: audio.EncodeMuLawBytes(audio.DownsamplePCM24To8(pcm))}
	}()
	return ch
}

func (co *Core) playGreeting(ctx context.Context, c *Call, greeting <-chan synthResult, text string) {
	var res synthResult
	select {
	case res = <-greeting:
	case <-ctx.Done():
		return
	}
	if res.err != nil {
		// Pre-generation failed; synthesize again on the turn path.
		co.log.Warn("pregenerated utterance failed, retrying inline", "call_id", c.ID, "err", res.err)
		if err := co.speak(ctx, c, text); err != nil {
			co.log.Warn("greeting playback failed", "call_id", c.ID, "err", err)
		}
		return
	}
	p := newFramePlayer(c)
	p.push(res.muLaw)
	p.finish()
}

// speak streams TTS audio down the media socket as paced µ-law frames.
// A socket failure mid-utterance is treated as a hangup, not an error; the
// following listen resolves ErrUserHungUp.
func (co *Core) speak(ctx context.Context, c *Call, text string) error {
	stream, err := co.tts.SynthesizeStream(ctx, text)
	if err != nil {
		return fmt.Errorf("call: synthesize: %w", err)
	}
	defer func() { _ = stream.Close() }()

	p := newFramePlayer(c)
	var pcmRem []byte
	buf := make([]byte, 4096)
	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			pcmRem = append(pcmRem, buf[:n]...)
			// Resample in whole 6-byte units; the ragged tail waits for
			// the next chunk.
			usable := len(pcmRem) / 6 * 6
			if usable > 0 {
				p.push(audio.EncodeMuLawBytes(audio.DownsamplePCM24To8(pcmRem[:usable])))
				pcmRem = append(pcmRem[:0:0], pcmRem[usable:]...)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				co.log.Warn("tts stream read failed", "call_id", c.ID, "err", readErr)
			}
			break
		}
		if p.failed {
			break
		}
	}
	p.finish()
	return nil
}

// listen blocks until the STT session commits a transcript, the user hangs
// up, or the transcript window elapses.
func (co *Core) listen(ctx context.Context, c *Call) (string, error) {
	if c.HungUp() {
		return "", ErrUserHungUp
	}
	transcriber := c.transcriber()
	if transcriber == nil {
		return "", fmt.Errorf("%w: no transcription session", stt.ErrConnectFailed)
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := transcriber.WaitForTranscript(lctx, co.cfg.TranscriptTimeout)
		ch <- result{text, err}
	}()

	select {
	case <-c.Done():
		return "", ErrUserHungUp
	case r := <-ch:
		switch {
		case errors.Is(r.err, stt.ErrTranscriptTimeout):
			return "", ErrListenTimeout
		case r.err != nil && c.HungUp():
			return "", ErrUserHungUp
		case r.err != nil:
			return "", r.err
		}
		return r.text, nil
	}
}

func (co *Core) hangupRemote(c *Call) {
	providerCallID := c.ProviderCallID()
	if providerCallID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := co.provider.Hangup(ctx, providerCallID); err != nil {
		co.log.Warn("remote hangup failed", "call_id", c.ID, "err", err)
	}
}

// cleanup releases everything a call holds. Every failure path and both end
// paths converge here; running it twice is harmless.
func (co *Core) cleanup(c *Call, cause string) {
	c.endOnce.Do(func() {
		c.markHungUp()
		if t := c.transcriber(); t != nil {
			t.Close()
		}
		if conn := c.currentSocket(); conn != nil {
			_ = conn.Close()
		}
		co.registry.Remove(c.ID)
		if co.limiter != nil {
			co.limiter.Release(context.Background())
		}
		co.saveRecord(c, cause)
	})
}

func (co *Core) saveRecord(c *Call, cause string) {
	if co.records == nil {
		return
	}
	now := time.Now()
	rec := calllog.Record{
		CallID:          c.ID,
		UserNumber:      c.UserNumber,
		FromNumber:      c.FromNumber,
		StartedAt:       c.StartedAt,
		EndedAt:         now,
		DurationSeconds: int(now.Sub(c.StartedAt).Seconds()),
		Turns:           len(c.History()),
		HangupCause:     cause,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := co.records.Save(ctx, rec); err != nil {
		co.log.Warn("call record save failed", "call_id", c.ID, "err", err)
	}
}

// StreamURL implements telephony.CallDirectory.
func (co *Core) StreamURL(providerCallID string) (string, bool) {
	c, ok := co.registry.GetByProvider(providerCallID)
	if !ok {
		return "", false
	}
	base := co.cfg.PublicURL()
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return strings.TrimRight(base, "/") + "/media-stream?token=" + c.WSToken, true
}

// MarkStreamingReady implements telephony.CallDirectory.
func (co *Core) MarkStreamingReady(providerCallID string) {
	if c, ok := co.registry.GetByProvider(providerCallID); ok {
		c.markStreamingReady()
	}
}

// MarkHangup implements telephony.CallDirectory. The hangup flag is latched
// immediately; full teardown happens here only when no turn is mid-flight,
// otherwise the turn observes the flag and cleans up itself.
func (co *Core) MarkHangup(providerCallID string) {
	c, ok := co.registry.GetByProvider(providerCallID)
	if !ok {
		return
	}
	c.markHungUp()
	if c.turnMu.TryLock() {
		co.cleanup(c, "remote_hangup")
		c.turnMu.Unlock()
	}
}
