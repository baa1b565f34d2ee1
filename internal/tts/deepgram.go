package tts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"go.uber.org/zap"
)

const (
	deepgramIdleWindow = 400 * time.Millisecond
	deepgramMaxUtter   = 12 * time.Second
)

// DeepgramClient streams linear16 48kHz audio over the speak websocket.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	logger     *zap.Logger
}

func NewDeepgramClient(apiKey, model string, logger *zap.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: 48000,
		encoding:   "linear16",
		logger:     logger.With(zap.String("component", "tts"), zap.String("provider", "deepgram")),
	}
}

// StreamPCM48k ends the stream once audio stops arriving for a short idle window.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		var (
			lastRecvUnix atomic.Int64
			seenAudio    atomic.Bool
		)
		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				lastRecvUnix.Store(time.Now().UnixNano())
				seenAudio.Store(true)
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				case <-ctx.Done():
				}
				return nil
			},
			onError: func(e *msginterfaces.ErrorResponse) {
				d.logger.Warn("speak error event", zap.Any("event", e))
			},
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}
		var stopped atomic.Bool
		stopClient := func() {
			if stopped.CompareAndSwap(false, true) {
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.logger.Warn("flush failed", zap.Error(err))
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(deepgramMaxUtter)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if seenAudio.Load() && time.Since(time.Unix(0, lastRecvUnix.Load())) > deepgramIdleWindow {
					return
				}
				if time.Now().After(deadline) {
					d.logger.Warn("utterance hit max duration", zap.Duration("max", deepgramMaxUtter))
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	if s.onError != nil && e != nil {
		s.onError(e)
	}
	return nil
}
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
