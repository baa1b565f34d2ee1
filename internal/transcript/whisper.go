// Package transcript converts finished utterances to text, either with a
// Whisper compatible endpoint or over an AssemblyAI streaming session.
package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/audio"
)

// ErrNoSpeech is returned when the engine heard nothing worth a turn.
var ErrNoSpeech = errors.New("no speech recognized")

// Error wraps every failure of a transcription attempt.
type Error struct {
	Model string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("transcription (%s): %v", e.Model, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Timeout  time.Duration
}

// Whisper transcribes PCM segments via the audio transcriptions API.
type Whisper struct {
	client   openai.Client
	model    string
	language string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewWhisper builds a client; extra request options are appended last.
func NewWhisper(cfg Config, logger *zap.Logger, opts ...option.RequestOption) *Whisper {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3-turbo"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Whisper{
		client:   openai.NewClient(append(base, opts...)...),
		model:    cfg.Model,
		language: cfg.Language,
		timeout:  cfg.Timeout,
		logger:   logger.With(zap.String("component", "transcript")),
	}
}

// Transcribe sends one PCM16LE mono segment. language overrides the
// configured default when non-empty.
func (w *Whisper) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	if len(pcm) == 0 {
		return "", &Error{Model: w.model, Err: ErrNoSpeech}
	}
	if language == "" {
		language = w.language
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(audio.EncodeWAV(pcm, sampleRate)), "segment.wav", "audio/wav"),
		Model:          openai.AudioModel(w.model),
		ResponseFormat: openai.AudioResponseFormatJSON,
	}
	if language != "" {
		params.Language = openai.String(language)
	}

	start := time.Now()
	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		w.logger.Warn("transcription failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return "", &Error{Model: w.model, Err: err}
	}
	text := strings.TrimSpace(resp.Text)
	w.logger.Debug("transcribed",
		zap.Int("audio_bytes", len(pcm)),
		zap.Int("chars", len(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if text == "" {
		return "", &Error{Model: w.model, Err: ErrNoSpeech}
	}
	return text, nil
}
