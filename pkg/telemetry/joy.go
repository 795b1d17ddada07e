package telemetry

import (
	"log/slog"
	"slices"
)

// JoySample mirrors sensor_msgs/Joy.
type JoySample struct {
	Axes    []float64 `json:"axes"`
	Buttons []int     `json:"buttons"`
}

// Clone returns a deep copy.
func (j JoySample) Clone() JoySample {
	return JoySample{Axes: slices.Clone(j.Axes), Buttons: slices.Clone(j.Buttons)}
}

// Axis returns axis i, or 0 if the controller reported fewer axes.
func (j JoySample) Axis(i int) float64 {
	if i < 0 || i >= len(j.Axes) {
		return 0
	}
	return j.Axes[i]
}

// Button returns button i, or 0 if the controller reported fewer buttons.
func (j JoySample) Button(i int) int {
	if i < 0 || i >= len(j.Buttons) {
		return 0
	}
	return j.Buttons[i]
}

// Resize pads with zeros or truncates to exactly axes/buttons entries.
func (j JoySample) Resize(axes, buttons int) JoySample {
	out := JoySample{Axes: make([]float64, axes), Buttons: make([]int, buttons)}
	copy(out.Axes, j.Axes)
	copy(out.Buttons, j.Buttons)
	return out
}

// DecodeJoy decodes a sensor_msgs/Joy payload.
func DecodeJoy(p Payload) (JoySample, error) {
	var j JoySample
	if err := p.Decode(&j); err != nil {
		return JoySample{}, err
	}
	return j, nil
}

// NewJoySubscriber returns a subscriber for a manual-input feed.
func NewJoySubscriber(name string, logger *slog.Logger) *Subscriber[JoySample] {
	return NewSubscriber(name, DecodeJoy, JoySample.Clone, logger)
}
