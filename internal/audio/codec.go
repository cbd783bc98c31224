// Package audio provides the narrowband codec path between the TTS output
// (24 kHz linear PCM16) and the telephony channel (8 kHz G.711 µ-law).
// All functions are pure.
package audio

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// DownsamplePCM24To8 decimates 24 kHz little-endian PCM16 to 8 kHz by taking
// every third sample. Only whole 6-byte units (3 source samples) are consumed;
// callers keep the remainder for the next chunk. No anti-alias filter: the
// upstream synthesis is narrowband-friendly and the phone channel is 8 kHz.
func DownsamplePCM24To8(pcm []byte) []byte {
	units := len(pcm) / 6
	out := make([]byte, 0, units*2)
	for i := 0; i < units; i++ {
		out = append(out, pcm[i*6], pcm[i*6+1])
	}
	return out
}

// EncodeMuLaw converts a single PCM16 sample to G.711 µ-law.
func EncodeMuLaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | byte(exponent)<<4 | mantissa)
}

// DecodeMuLaw inverts EncodeMuLaw.
func DecodeMuLaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	s := (int32(mantissa)<<3 + muLawBias) << exponent
	s -= muLawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// EncodeMuLawBytes µ-law encodes little-endian PCM16. A trailing odd byte is
// dropped.
func EncodeMuLawBytes(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = EncodeMuLaw(sample)
	}
	return out
}

// DecodeMuLawBytes expands µ-law bytes to little-endian PCM16.
func DecodeMuLawBytes(mu []byte) []byte {
	out := make([]byte, len(mu)*2)
	for i, b := range mu {
		s := uint16(DecodeMuLaw(b))
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
