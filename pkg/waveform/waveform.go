// Package waveform holds AWG waveform containers and the interleaved
// int16 wire codec used by the waveform memory nodes.
package waveform

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// DefaultGranularity is the sample-count granularity of the waveform
// memory.
const DefaultGranularity = 16

const fullScale = 32767

var (
	// ErrInvalidWave is the base error of all validation failures.
	ErrInvalidWave = errors.New("invalid waveform")
)

// Wave is one dual-channel waveform with optional per-sample marker bits.
type Wave struct {
	I       []float64
	Q       []float64
	Markers []uint8
}

// Set maps waveform-memory slots to waves.
type Set map[int]Wave

// Slots returns the occupied slots in ascending order.
func (s Set) Slots() []int {
	out := make([]int, 0, len(s))
	for slot := range s {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}

// Validate checks the wave against the device constraints: equal channel
// lengths, a granularity-aligned non-zero sample count, amplitudes within
// ±1 and a matching marker length. granularity 0 means the default;
// maxSamples 0 disables the length bound.
func (w Wave) Validate(granularity, maxSamples int) error {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	n := len(w.I)
	if n == 0 {
		return fmt.Errorf("%w: empty I channel", ErrInvalidWave)
	}
	if len(w.Q) != n {
		return fmt.Errorf("%w: I has %d samples, Q has %d", ErrInvalidWave, n, len(w.Q))
	}
	if n%granularity != 0 {
		return fmt.Errorf("%w: %d samples is not a multiple of the granularity %d", ErrInvalidWave, n, granularity)
	}
	if maxSamples > 0 && n > maxSamples {
		return fmt.Errorf("%w: %d samples exceed the maximum of %d", ErrInvalidWave, n, maxSamples)
	}
	if len(w.Markers) != 0 && len(w.Markers) != n {
		return fmt.Errorf("%w: %d marker entries for %d samples", ErrInvalidWave, len(w.Markers), n)
	}
	for i := 0; i < n; i++ {
		if math.Abs(w.I[i]) > 1 || math.Abs(w.Q[i]) > 1 {
			return fmt.Errorf("%w: amplitude out of range at sample %d", ErrInvalidWave, i)
		}
	}
	return nil
}

// HasMarkers reports whether the wave carries marker data.
func (w Wave) HasMarkers() bool { return len(w.Markers) > 0 }

// EncodeInterleaved converts the wave into the device's int16 layout:
// full-scale scaled I/Q samples channel-interleaved, with the two marker
// bits carried in a third lane when markers are present.
func (w Wave) EncodeInterleaved() ([]int16, error) {
	if err := w.Validate(0, 0); err != nil {
		return nil, err
	}
	lanes := 2
	if w.HasMarkers() {
		lanes = 3
	}
	out := make([]int16, 0, lanes*len(w.I))
	for i := range w.I {
		out = append(out, scale(w.I[i]), scale(w.Q[i]))
		if w.HasMarkers() {
			out = append(out, int16(w.Markers[i]&0b11))
		}
	}
	return out, nil
}

func scale(v float64) int16 {
	return int16(math.Round(v * fullScale))
}

// DecodeInterleaved reverses EncodeInterleaved. channels must be 2;
// hasMarkers selects the three-lane layout.
func DecodeInterleaved(data []int16, channels int, hasMarkers bool) (Wave, error) {
	if channels != 2 {
		return Wave{}, fmt.Errorf("%w: %d channels not supported", ErrInvalidWave, channels)
	}
	lanes := channels
	if hasMarkers {
		lanes++
	}
	if len(data) == 0 || len(data)%lanes != 0 {
		return Wave{}, fmt.Errorf("%w: %d values are not divisible into %d lanes", ErrInvalidWave, len(data), lanes)
	}
	n := len(data) / lanes
	w := Wave{I: make([]float64, n), Q: make([]float64, n)}
	if hasMarkers {
		w.Markers = make([]uint8, n)
	}
	for i := 0; i < n; i++ {
		w.I[i] = float64(data[i*lanes]) / fullScale
		w.Q[i] = float64(data[i*lanes+1]) / fullScale
		if hasMarkers {
			w.Markers[i] = uint8(data[i*lanes+2]) & 0b11
		}
	}
	return w, nil
}
