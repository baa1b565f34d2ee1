// Package tts streams synthesized speech as 48kHz PCM16LE mono.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/audio"
)

// OpenAI speech returns raw PCM at 24kHz.
const openAIPCMRate = 24000

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Speed   float64
}

type OpenAIClient struct {
	client openai.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger, opts ...option.RequestOption) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "fable"
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(append(base, opts...)...),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "tts"), zap.String("provider", "openai")),
	}
}

func (o *OpenAIClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if text == "" {
			return
		}
		if err := o.stream(ctx, text, pcmCh); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (o *OpenAIClient) stream(ctx context.Context, text string, out chan<- []byte) error {
	start := time.Now()
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(o.cfg.Model),
		Voice:          openai.AudioSpeechNewParamsVoice(o.cfg.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
		Speed:          openai.Float(o.cfg.Speed),
	})
	if err != nil {
		return fmt.Errorf("openai tts: %w", err)
	}
	defer resp.Body.Close()

	rs, err := audio.NewResampler(openAIPCMRate, audio.SampleRate48k)
	if err != nil {
		return err
	}

	buf := make([]byte, 4800) // 100ms at 24kHz
	first := true
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			pcm, err := rs.Process(buf[:n])
			if err != nil {
				return err
			}
			if len(pcm) > 0 {
				if first {
					o.logger.Debug("first audio", zap.Duration("elapsed", time.Since(start)))
					first = false
				}
				select {
				case out <- pcm:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("openai tts: read audio: %w", rerr)
		}
	}
}
