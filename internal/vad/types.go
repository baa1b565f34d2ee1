package vad

import "time"

// Frame10ms represents a 10ms mono PCM frame at SampleRate Hz.
// For 16kHz mono, this is 160 samples of int16.
type Frame10ms []int16

// Config holds the detector thresholds.
type Config struct {
	Threshold     float64 // RMS energy for a voiced frame
	SmoothFrames  int     // majority window over raw frame decisions
	StartWindowMs int     // vote window before speech start fires
	MinSilenceMs  int     // trailing silence that ends an utterance
	PreRollMs     int     // audio kept from before speech start
	MaxSegmentMs  int     // utterances longer than this are cut
	SampleRate    int
}

// Default returns thresholds tuned for a headset on WebRTC at 16kHz.
func Default() Config {
	return Config{
		Threshold:     300,
		SmoothFrames:  4,
		StartWindowMs: 150,
		MinSilenceMs:  700,
		PreRollMs:     220,
		MaxSegmentMs:  30000,
		SampleRate:    16000,
	}
}

// Segment is one utterance as PCM16LE mono.
type Segment struct {
	PCM        []byte
	SampleRate int
	Start      time.Time
	End        time.Time
}

// Duration is derived from the sample count.
func (s Segment) Duration() time.Duration {
	if s.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(s.PCM)/2) * time.Second / time.Duration(s.SampleRate)
}

// Events lets the host react to speech boundaries. Callbacks run on the
// goroutine that called Feed and must not block.
type Events struct {
	OnSpeechStart func(ts time.Time)
	OnSpeechEnd   func(seg Segment)
}
