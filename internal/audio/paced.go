// Package audio holds the PCM and Opus plumbing shared by the room transports.
package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	SampleRate48k = 48000
	SampleRate16k = 16000

	frameSamples48k = 960 // 20ms at 48kHz
	frameDuration   = 20 * time.Millisecond
)

// SampleWriter is the outbound half of a local audio track.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// SampleWriterFunc adapts a function to SampleWriter.
type SampleWriterFunc func(media.Sample) error

func (f SampleWriterFunc) WriteSample(s media.Sample) error { return f(s) }

// ErrWriterClosed is returned by Drain after Close.
var ErrWriterClosed = errors.New("audio: writer closed")

// OpusPacedWriter encodes incoming 48kHz PCM mono to Opus frames and writes
// them to a track at real-time pace.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        SampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopOnce     sync.Once
	mu           sync.Mutex

	queued  atomic.Int32 // enqueued and not yet written or dropped
	written atomic.Int64
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewOpusPacedWriter(track SampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(SampleRate48k, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track, 512)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc *opus.Encoder, track SampleWriter, queue int) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: frameSamples48k,
		frames:       make(chan []byte, queue),
		stopCh:       make(chan struct{}),
	}
}

// WritePCM buffers PCM16LE 48kHz mono and enqueues every full encoded frame.
// It blocks while the queue is full.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = append(w.pcmBuf, BytesToInt16(pcmBytes)...)

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeAndPush(w.pcmBuf[:w.frameSamples], opusBuf)
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[w.frameSamples:]...)
	}
}

// FlushTail pads the remaining PCM to a full frame and adds ~200ms of silence.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeAndPush(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		w.encodeAndPush(silence, opusBuf)
	}
}

func (w *OpusPacedWriter) encodeAndPush(frame []int16, opusBuf []byte) {
	n, err := w.enc.Encode(frame, opusBuf)
	if err != nil || n <= 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, opusBuf[:n])
	w.pushFrame(pkt)
}

// Reset drops queued frames and buffered PCM.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
			w.queued.Add(-1)
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Drain blocks until every queued frame has been written to the track.
func (w *OpusPacedWriter) Drain(ctx context.Context) error {
	t := time.NewTicker(frameDuration / 2)
	defer t.Stop()
	for {
		if w.queued.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return ErrWriterClosed
		case <-t.C:
		}
	}
}

// Pending reports the number of queued frames.
func (w *OpusPacedWriter) Pending() int { return len(w.frames) }

// Written reports frames delivered to the track so far.
func (w *OpusPacedWriter) Written() int64 { return w.written.Load() }

// Close stops the pacer and releases any blocked writer.
func (w *OpusPacedWriter) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
				w.written.Add(1)
				w.queued.Add(-1)
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	w.queued.Add(1)
	select {
	case <-w.stopCh:
		w.queued.Add(-1)
	case w.frames <- pkt:
	}
}
