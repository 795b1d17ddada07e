package robot

import (
	"fmt"
	"math"
)

// Servo pulse range of the Hiwonder bus servos.
const (
	MinPulse     = 0
	MaxPulse     = 1000
	NeutralPulse = 500
)

// NormMode selects how raw servo pulses map to the positions callers see.
type NormMode string

const (
	// Pulses passes 0..1000 through unchanged.
	Pulses NormMode = "pulses"
	// Degrees maps 0..1000 onto 0..240 degrees.
	Degrees NormMode = "degrees"
	// RangeM100_100 maps 0..1000 onto -100..100.
	RangeM100_100 NormMode = "range_m100_100"
	// Range0_100 maps 0..1000 onto 0..100.
	Range0_100 NormMode = "range_0_100"
)

// NormModes returns every supported mode.
func NormModes() []NormMode {
	return []NormMode{Pulses, Degrees, RangeM100_100, Range0_100}
}

// Valid reports whether m is a known mode.
func (m NormMode) Valid() bool {
	switch m {
	case Pulses, Degrees, RangeM100_100, Range0_100:
		return true
	}
	return false
}

// Bounds returns the normalized range covered by the full pulse range.
func (m NormMode) Bounds() (lo, hi float64) {
	switch m {
	case Degrees:
		return 0, 240
	case RangeM100_100:
		return -100, 100
	case Range0_100:
		return 0, 100
	default:
		return MinPulse, MaxPulse
	}
}

// Encode converts a normalized position to servo pulses. Values outside the
// mode's range are clamped first.
func (m NormMode) Encode(v float64) int {
	if math.IsNaN(v) {
		return NeutralPulse
	}
	lo, hi := m.Bounds()
	v = math.Max(lo, math.Min(hi, v))
	return clampPulse(int(math.Round((v - lo) / (hi - lo) * MaxPulse)))
}

// Decode converts servo pulses to a normalized position. Out-of-range
// pulses are clamped first.
func (m NormMode) Decode(raw int) float64 {
	lo, hi := m.Bounds()
	return lo + float64(clampPulse(raw))/MaxPulse*(hi-lo)
}

// Neutral returns the midpoint of the range.
func (m NormMode) Neutral() float64 {
	return m.Decode(NeutralPulse)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *NormMode) UnmarshalText(text []byte) error {
	v := NormMode(text)
	if v == "" {
		v = Pulses
	}
	if !v.Valid() {
		return fmt.Errorf("unknown normalization mode %q", text)
	}
	*m = v
	return nil
}

func clampPulse(p int) int {
	return max(MinPulse, min(MaxPulse, p))
}
