package call

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

type outboundMedia struct {
	Event     string            `json:"event"`
	StreamSID string            `json:"streamSid,omitempty"`
	Media     outboundMediaBody `json:"media"`
}

type outboundMediaBody struct {
	Payload string `json:"payload"`
}

// writeMedia sends one µ-law frame down the media socket. Returns false when
// the socket is gone or the write fails; callers treat that as a hangup.
func (c *Call) writeMedia(muLaw []byte) bool {
	conn := c.currentSocket()
	if conn == nil || c.HungUp() {
		return false
	}
	msg, err := json.Marshal(outboundMedia{
		Event:     "media",
		StreamSID: c.StreamSID(),
		Media:     outboundMediaBody{Payload: base64.StdEncoding.EncodeToString(muLaw)},
	})
	if err != nil {
		return false
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, msg)
	c.writeMu.Unlock()
	return err == nil
}

// framePlayer slices a µ-law byte stream into fixed frames and paces them
// slightly faster than realtime. One player per utterance.
type framePlayer struct {
	call    *Call
	pending []byte
	next    time.Time
	failed  bool
}

func newFramePlayer(c *Call) *framePlayer {
	return &framePlayer{call: c, next: time.Now()}
}

func (p *framePlayer) push(muLaw []byte) {
	if p.failed {
		return
	}
	p.pending = append(p.pending, muLaw...)
	p.drain(false)
}

// finish flushes the trailing partial frame and waits out the playback tail
// so the far end hears the whole utterance before the next state change.
func (p *framePlayer) finish() {
	p.drain(true)
	if !p.failed {
		time.Sleep(playbackTail)
	}
}

func (p *framePlayer) drain(flush bool) {
	for !p.failed {
		var frame []byte
		switch {
		case len(p.pending) >= frameBytes:
			frame = p.pending[:frameBytes]
			p.pending = p.pending[frameBytes:]
		case flush && len(p.pending) > 0:
			frame = p.pending
			p.pending = nil
		default:
			return
		}

		if wait := time.Until(p.next); wait > 0 {
			time.Sleep(wait)
		}
		p.next = p.next.Add(framePace)

		if !p.call.writeMedia(frame) {
			p.failed = true
			p.call.markHungUp()
		}
	}
}
