// Package tts synthesizes utterances as 24 kHz mono PCM16.
package tts

import (
	"context"
	"io"
)

// Synthesizer is the capability the call session core consumes. Streaming is
// preferred: the first audio chunk should arrive well before synthesis of the
// full utterance completes.
type Synthesizer interface {
	// Synthesize returns the complete utterance.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// SynthesizeStream returns a reader producing PCM16 chunks as they are
	// generated. The caller must Close it.
	SynthesizeStream(ctx context.Context, text string) (io.ReadCloser, error)
}
