// Package call owns the lifecycle of an outbound phone call: placing it,
// pairing the provider's media websocket, speaking synthesized audio down it,
// and turning the user's speech back into text.
package call

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// Entry is one finished turn of the conversation.
type Entry struct {
	Speaker Speaker
	Text    string
}

// Transcriber is the slice of the streaming STT session the call consumes.
type Transcriber interface {
	SendAudio(muLaw []byte)
	WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error)
	Close()
}

// Call is one active phone call. Identity fields are immutable after
// creation; the mutable pairing state is guarded by mu. writeMu serializes
// websocket writes (the media socket has one reader goroutine and whichever
// turn goroutine is speaking).
type Call struct {
	ID         string
	UserNumber string
	FromNumber string

	// WSToken authenticates the provider's media websocket to this call.
	WSToken string

	StartedAt time.Time

	mu             sync.Mutex
	providerCallID string
	socket         *websocket.Conn
	streamSID      string
	streamingReady bool
	hungUp         bool
	hungUpCh       chan struct{}
	history        []Entry

	writeMu sync.Mutex

	// turnMu serializes speak/listen turns so overlapping tool calls
	// cannot interleave audio on the same call.
	turnMu sync.Mutex

	stt Transcriber

	endOnce sync.Once
}

func newCall(id, userNumber, fromNumber string) (*Call, error) {
	token, err := newWSToken()
	if err != nil {
		return nil, err
	}
	return &Call{
		ID:         id,
		UserNumber: userNumber,
		FromNumber: fromNumber,
		WSToken:    token,
		StartedAt:  time.Now(),
		hungUpCh:   make(chan struct{}),
	}, nil
}

func newWSToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *Call) ProviderCallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providerCallID
}

func (c *Call) setProviderCallID(id string) {
	c.mu.Lock()
	c.providerCallID = id
	c.mu.Unlock()
}

func (c *Call) attachSocket(conn *websocket.Conn) {
	c.mu.Lock()
	c.socket = conn
	c.mu.Unlock()
}

func (c *Call) detachSocket(conn *websocket.Conn) {
	c.mu.Lock()
	if c.socket == conn {
		c.socket = nil
	}
	c.mu.Unlock()
}

func (c *Call) currentSocket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket
}

// setStreamSID records the provider's stream id. First writer wins; the
// provider sends it once per stream in the start frame.
func (c *Call) setStreamSID(sid string) {
	c.mu.Lock()
	if c.streamSID == "" {
		c.streamSID = sid
	}
	c.mu.Unlock()
}

func (c *Call) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

func (c *Call) markStreamingReady() {
	c.mu.Lock()
	c.streamingReady = true
	c.mu.Unlock()
}

// attached reports whether media can flow: the socket is up and either the
// stream id arrived in-band or the provider confirmed streaming over webhook.
func (c *Call) attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil && (c.streamSID != "" || c.streamingReady)
}

// markHungUp latches the hangup flag and wakes every waiter. Idempotent.
func (c *Call) markHungUp() {
	c.mu.Lock()
	if !c.hungUp {
		c.hungUp = true
		close(c.hungUpCh)
	}
	c.mu.Unlock()
}

func (c *Call) HungUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hungUp
}

// Done is closed when the far end hangs up (or the call is torn down).
func (c *Call) Done() <-chan struct{} {
	return c.hungUpCh
}

func (c *Call) appendHistory(entries ...Entry) {
	c.mu.Lock()
	c.history = append(c.history, entries...)
	c.mu.Unlock()
}

// History returns a copy of the finished turns.
func (c *Call) History() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Call) setTranscriber(t Transcriber) {
	c.mu.Lock()
	c.stt = t
	c.mu.Unlock()
}

func (c *Call) transcriber() Transcriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stt
}

func (c *Call) Duration() time.Duration {
	return time.Since(c.StartedAt)
}
