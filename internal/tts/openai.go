package tts

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAISynthesizer produces speech through the OpenAI audio API. The pcm
// response format is 24 kHz mono PCM16, which is exactly what the downstream
// resampler expects.
type OpenAISynthesizer struct {
	client *openai.Client
	voice  openai.SpeechVoice
}

func NewOpenAISynthesizer(apiKey, voice string) (*OpenAISynthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("tts: openai api key is required")
	}
	v := openai.SpeechVoice(voice)
	if v == "" {
		v = openai.VoiceOnyx
	}
	return &OpenAISynthesizer{
		client: openai.NewClient(apiKey),
		voice:  v,
	}, nil
}

func (s *OpenAISynthesizer) SynthesizeStream(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: speech request failed: %w", err)
	}
	return resp, nil
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	stream, err := s.SynthesizeStream(ctx, text)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	pcm, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("tts: read speech stream: %w", err)
	}
	return pcm, nil
}
