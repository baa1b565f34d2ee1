package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a PCM16LE mono stream between rates chunk by chunk.
// Filter state carries across calls, so feed one utterance through one
// Resampler.
type Resampler struct {
	rs      resampling.Resampler
	in, out int
	odd     []byte
}

func NewResampler(inRate, outRate int) (*Resampler, error) {
	r := &Resampler{in: inRate, out: outRate}
	if inRate == outRate {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resampler %d->%d: %w", inRate, outRate, err)
	}
	r.rs = rs
	return r, nil
}

// Process resamples one chunk. The output may lag the input by the filter delay.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	if len(r.odd) > 0 {
		pcm = append(r.odd, pcm...)
		r.odd = nil
	}
	if len(pcm)%2 == 1 {
		r.odd = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if r.rs == nil {
		return pcm, nil
	}

	samples := BytesToInt16(pcm)
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}
	output, err := r.rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	out := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s >= 1.0:
			out[i] = 32767
		case s <= -1.0:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return Int16ToBytes(out), nil
}
