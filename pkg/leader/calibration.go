// Package leader reads a hand-moved SO-101 arm on a Feetech bus and turns
// its pose into Brewie joint targets.
package leader

import (
	"fmt"
	"math"
)

// MotorName identifies a motor of the leader arm.
type MotorName string

// Motor names of the SO-101 arm, servo ids 1-6 in this order.
const (
	ShoulderPan  MotorName = "shoulder_pan"
	ShoulderLift MotorName = "shoulder_lift"
	ElbowFlex    MotorName = "elbow_flex"
	WristFlex    MotorName = "wrist_flex"
	WristRoll    MotorName = "wrist_roll"
	Gripper      MotorName = "gripper"
)

// AllMotors returns the motors ordered by servo id.
func AllMotors() []MotorName {
	return []MotorName{ShoulderPan, ShoulderLift, ElbowFlex, WristFlex, WristRoll, Gripper}
}

// MotorCalibration is the recorded range of one motor.
type MotorCalibration struct {
	ID       int `json:"id" yaml:"id"`
	RangeMin int `json:"range_min" yaml:"range_min"`
	RangeMax int `json:"range_max" yaml:"range_max"`
}

// Normalize maps a raw position onto [-100, 100]. Positions outside the
// recorded range are clamped.
func (c MotorCalibration) Normalize(raw int) float64 {
	span := float64(c.RangeMax - c.RangeMin)
	if span <= 0 {
		return 0
	}
	n := float64(raw-c.RangeMin)/span*200 - 100
	return math.Max(-100, math.Min(100, n))
}

// Denormalize is the inverse of Normalize.
func (c MotorCalibration) Denormalize(norm float64) int {
	span := float64(c.RangeMax - c.RangeMin)
	norm = math.Max(-100, math.Min(100, norm))
	return c.RangeMin + int(math.Round((norm+100)/200*span))
}

// Calibration holds every motor's range, keyed by motor name.
type Calibration map[MotorName]MotorCalibration

// MotorIDs returns the calibrated servo ids in motor order.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range AllMotors() {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns the motor using a servo id.
func (c Calibration) ByID(id int) (MotorName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}

// Validate checks that every SO-101 motor has a usable range.
func (c Calibration) Validate() error {
	for _, name := range AllMotors() {
		mc, ok := c[name]
		if !ok {
			return fmt.Errorf("motor %s is not calibrated", name)
		}
		if mc.RangeMax <= mc.RangeMin {
			return fmt.Errorf("motor %s has empty range %d..%d", name, mc.RangeMin, mc.RangeMax)
		}
	}
	return nil
}

// RangeRecorder tracks the extremes each motor reaches while the arm is
// moved by hand.
type RangeRecorder struct {
	Current map[MotorName]int
	Min     map[MotorName]int
	Max     map[MotorName]int
}

// NewRangeRecorder starts recording from the given positions.
func NewRangeRecorder(start map[MotorName]int) *RangeRecorder {
	r := &RangeRecorder{
		Current: make(map[MotorName]int, len(start)),
		Min:     make(map[MotorName]int, len(start)),
		Max:     make(map[MotorName]int, len(start)),
	}
	for name, pos := range start {
		r.Current[name], r.Min[name], r.Max[name] = pos, pos, pos
	}
	return r
}

// Observe records one reading.
func (r *RangeRecorder) Observe(name MotorName, pos int) {
	r.Current[name] = pos
	if lo, ok := r.Min[name]; !ok || pos < lo {
		r.Min[name] = pos
	}
	if hi, ok := r.Max[name]; !ok || pos > hi {
		r.Max[name] = pos
	}
}

// Span returns max-min for a motor.
func (r *RangeRecorder) Span(name MotorName) int {
	return r.Max[name] - r.Min[name]
}

// Calibration builds the result, assigning servo ids 1-6 in motor order.
func (r *RangeRecorder) Calibration() Calibration {
	cal := make(Calibration, len(AllMotors()))
	for i, name := range AllMotors() {
		cal[name] = MotorCalibration{ID: i + 1, RangeMin: r.Min[name], RangeMax: r.Max[name]}
	}
	return cal
}
