package audio

import (
	"encoding/binary"
	"math"
)

// BytesToInt16 decodes PCM16LE. A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Int16ToBytes encodes samples as PCM16LE.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Tone renders a sine at 48kHz as PCM16LE, used as the connect chime.
func Tone(hz float64, ms int, amplitude float64) []byte {
	n := SampleRate48k * ms / 1000
	samples := make([]int16, n)
	inc := 2 * math.Pi * hz / SampleRate48k
	for i := range samples {
		v := amplitude * math.Sin(float64(i)*inc)
		samples[i] = int16(math.Max(-32768, math.Min(32767, v)))
	}
	return Int16ToBytes(samples)
}
