package agent

import (
	"context"
	"time"

	"github.com/chadiek/voice-agent/internal/action"
	"github.com/chadiek/voice-agent/internal/conversation"
	"github.com/chadiek/voice-agent/internal/dispatch"
	"github.com/chadiek/voice-agent/internal/reasoning"
)

// Transcriber converts one finished utterance (PCM16LE mono) to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)
}

// Reasoner picks the next reply given the conversation and available actions.
type Reasoner interface {
	Infer(ctx context.Context, turns []conversation.Turn, defs []action.Definition) (reasoning.Result, error)
}

// Greeter produces an opening line for a new session.
type Greeter interface {
	Greet(ctx context.Context, systemPrompt string) (string, error)
}

// TTS streams 48kHz PCM mono audio for the given text.
type TTS interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// PCM48kSink consumes 48kHz PCM bytes and performs paced delivery.
type PCM48kSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately (used for interruption).
	Reset()
	// Drain blocks until queued audio has played out.
	Drain(ctx context.Context) error
}

// Actions resolves model invocations against the catalog.
type Actions interface {
	Resolve(inv action.Invocation) (*action.Bound, error)
	Definitions() []action.Definition
}

// Dispatcher delivers task payloads to the remote participant.
type Dispatcher interface {
	Dispatch(ctx context.Context, destination string, p dispatch.Payload, timeout time.Duration) dispatch.Result
}

// Archiver persists a finished conversation.
type Archiver interface {
	Archive(ctx context.Context, rec conversation.Record) error
}

// Factory builds a Session for one participant. sink plays agent audio back to
// them; caller reaches their task handlers.
type Factory func(participant string, sink PCM48kSink, caller dispatch.RemoteCaller) *Session

type nopSink struct{}

func (nopSink) WritePCM(_ []byte)             {}
func (nopSink) FlushTail()                    {}
func (nopSink) Reset()                        {}
func (nopSink) Drain(_ context.Context) error { return nil }
