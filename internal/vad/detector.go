// Package vad turns a 16kHz PCM stream into speech-start and speech-end events.
package vad

import (
	"encoding/binary"
	"math"
	"time"
)

type energyGate struct {
	threshold float64
	smoothN   int
	win       []bool
}

func newEnergyGate(threshold float64, smoothN int) *energyGate {
	if smoothN <= 0 {
		smoothN = 1
	}
	return &energyGate{threshold: threshold, smoothN: smoothN}
}

func (g *energyGate) isSpeech(frame Frame10ms) bool {
	b := RMS(frame) >= g.threshold
	g.win = append(g.win, b)
	if len(g.win) > g.smoothN {
		g.win = g.win[len(g.win)-g.smoothN:]
	}
	n := 0
	for _, x := range g.win {
		if x {
			n++
		}
	}
	return n*2 >= len(g.win)
}

func (g *energyGate) reset() { g.win = g.win[:0] }

// RMS of a frame of int16 samples.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// circularPCM stores the most recent samples for pre-roll.
type circularPCM struct {
	buf      []int16
	cap      int
	writePos int
	filled   int
	sr       int
}

func newCircularPCM(capacityMs int, sampleRate int) *circularPCM {
	samples := capacityMs * sampleRate / 1000
	if samples < sampleRate/10 {
		samples = sampleRate / 10
	}
	return &circularPCM{buf: make([]int16, samples), cap: samples, sr: sampleRate}
}

func (c *circularPCM) Write(frame Frame10ms) {
	for _, s := range frame {
		c.buf[c.writePos] = s
		c.writePos = (c.writePos + 1) % c.cap
	}
	c.filled = min(c.filled+len(frame), c.cap)
}

// ReadLastMs returns up to ms of the newest samples, oldest first.
func (c *circularPCM) ReadLastMs(ms int) []int16 {
	n := min(ms*c.sr/1000, c.filled)
	out := make([]int16, n)
	start := (c.writePos - n + c.cap) % c.cap
	for i := 0; i < n; i++ {
		out[i] = c.buf[(start+i)%c.cap]
	}
	return out
}

func (c *circularPCM) Clear() {
	c.writePos = 0
	c.filled = 0
}

// voteWindow keeps the last N frame decisions.
type voteWindow struct {
	hist []bool
	max  int
}

func newVoteWindow(ms int) *voteWindow {
	return &voteWindow{max: ms/10 + 1}
}

func (v *voteWindow) Push(b bool) {
	v.hist = append(v.hist, b)
	if len(v.hist) > v.max {
		v.hist = v.hist[len(v.hist)-v.max:]
	}
}

func (v *voteWindow) Full() bool { return len(v.hist) >= v.max }

func (v *voteWindow) Ratio() float64 {
	if len(v.hist) == 0 {
		return 0
	}
	t := 0
	for _, b := range v.hist {
		if b {
			t++
		}
	}
	return float64(t) / float64(len(v.hist))
}

func (v *voteWindow) Reset() { v.hist = v.hist[:0] }

// Detector segments a PCM stream into utterances. It is not safe for
// concurrent use; one goroutine owns Feed.
type Detector struct {
	cfg Config
	ev  Events
	now func() time.Time

	gate         *energyGate
	preRoll      *circularPCM
	votes        *voteWindow
	pending      []byte
	inSpeech     bool
	silentFrames int
	segment      []int16
	startedAt    time.Time
}

func NewDetector(cfg Config, ev Events) *Detector {
	def := Default()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.SmoothFrames <= 0 {
		cfg.SmoothFrames = def.SmoothFrames
	}
	if cfg.StartWindowMs <= 0 {
		cfg.StartWindowMs = def.StartWindowMs
	}
	if cfg.MinSilenceMs <= 0 {
		cfg.MinSilenceMs = def.MinSilenceMs
	}
	if cfg.PreRollMs < 0 {
		cfg.PreRollMs = 0
	}
	if cfg.MaxSegmentMs <= 0 {
		cfg.MaxSegmentMs = def.MaxSegmentMs
	}
	return &Detector{
		cfg:     cfg,
		ev:      ev,
		now:     time.Now,
		gate:    newEnergyGate(cfg.Threshold, cfg.SmoothFrames),
		preRoll: newCircularPCM(cfg.PreRollMs+cfg.StartWindowMs+20, cfg.SampleRate),
		votes:   newVoteWindow(cfg.StartWindowMs),
	}
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config { return d.cfg }

func (d *Detector) reset() {
	d.inSpeech = false
	d.silentFrames = 0
	d.segment = nil
	d.votes.Reset()
	d.gate.reset()
}

// Feed accepts PCM16LE of arbitrary length at the configured sample rate.
// Events fire on the calling goroutine in stream order.
func (d *Detector) Feed(pcm []byte) {
	buf := append(d.pending, pcm...)
	samplesPer10ms := d.cfg.SampleRate / 100
	frameBytes := samplesPer10ms * 2
	off := 0
	for ; off+frameBytes <= len(buf); off += frameBytes {
		frame := make(Frame10ms, samplesPer10ms)
		for i := range frame {
			frame[i] = int16(binary.LittleEndian.Uint16(buf[off+i*2 : off+i*2+2]))
		}
		started, seg := d.onFrame(frame)
		if started && d.ev.OnSpeechStart != nil {
			d.ev.OnSpeechStart(d.startedAt)
		}
		if seg != nil && d.ev.OnSpeechEnd != nil {
			d.ev.OnSpeechEnd(*seg)
		}
	}
	d.pending = append(d.pending[:0], buf[off:]...)
}

func (d *Detector) onFrame(frame Frame10ms) (started bool, ended *Segment) {
	voiced := d.gate.isSpeech(frame)

	if !d.inSpeech {
		d.preRoll.Write(frame)
		d.votes.Push(voiced)
		if d.votes.Full() && d.votes.Ratio() >= 2.0/3.0 {
			d.inSpeech = true
			d.silentFrames = 0
			d.startedAt = d.now()
			// Everything the vote window saw plus the configured pre-roll.
			d.segment = d.preRoll.ReadLastMs(d.cfg.PreRollMs + d.cfg.StartWindowMs)
			return true, nil
		}
		return false, nil
	}

	d.segment = append(d.segment, frame...)
	if voiced {
		d.silentFrames = 0
	} else {
		d.silentFrames++
	}

	maxSamples := d.cfg.MaxSegmentMs * d.cfg.SampleRate / 1000
	if d.silentFrames*10 < d.cfg.MinSilenceMs && len(d.segment) < maxSamples {
		return false, nil
	}

	seg := &Segment{
		PCM:        int16ToBytes(d.segment),
		SampleRate: d.cfg.SampleRate,
		Start:      d.startedAt,
		End:        d.now(),
	}
	d.reset()
	d.preRoll.Clear()
	return false, seg
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(s))
	}
	return out
}
