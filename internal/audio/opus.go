package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// Decoder turns Opus packets into PCM16LE mono at a fixed output rate.
// Opus resamples internally, so 16kHz output needs no extra step.
type Decoder struct {
	dec     *opus.Decoder
	samples []int16
}

func NewDecoder(sampleRate int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	// 120ms is the longest Opus frame.
	return &Decoder{dec: dec, samples: make([]int16, sampleRate*120/1000)}, nil
}

// Decode returns a fresh PCM16LE slice for one packet.
func (d *Decoder) Decode(pkt []byte) ([]byte, error) {
	if len(pkt) == 0 {
		return nil, nil
	}
	n, err := d.dec.Decode(pkt, d.samples)
	if err != nil {
		return nil, err
	}
	return Int16ToBytes(d.samples[:n]), nil
}
