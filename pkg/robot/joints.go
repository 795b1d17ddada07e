// Package robot drives a Brewie humanoid through its rosbridge controller.
// It reconciles the asynchronous telemetry feeds with a polled servo state
// into one observation per control tick, and bounds outgoing servo targets
// relative to the last known position.
package robot

import (
	"slices"
	"strings"
)

// JointName identifies a joint of the robot.
type JointName string

// Joint names of the Brewie servos.
const (
	LeftShoulderPan   JointName = "left_shoulder_pan"
	RightShoulderPan  JointName = "right_shoulder_pan"
	LeftShoulderLift  JointName = "left_shoulder_lift"
	RightShoulderLift JointName = "right_shoulder_lift"
	LeftForearmRoll   JointName = "left_forearm_roll"
	RightForearmRoll  JointName = "right_forearm_roll"
	LeftForearmPitch  JointName = "left_forearm_pitch"
	RightForearmPitch JointName = "right_forearm_pitch"
	LeftGripper       JointName = "left_gripper"
	RightGripper      JointName = "right_gripper"
	HeadPan           JointName = "head_pan"
	HeadTilt          JointName = "head_tilt"
)

// DefaultServoMapping returns the factory id to joint assignment (servo ids
// 13-24).
func DefaultServoMapping() map[int]JointName {
	return map[int]JointName{
		13: LeftShoulderPan,
		14: RightShoulderPan,
		15: LeftShoulderLift,
		16: RightShoulderLift,
		17: LeftForearmRoll,
		18: RightForearmRoll,
		19: LeftForearmPitch,
		20: RightForearmPitch,
		21: LeftGripper,
		22: RightGripper,
		23: HeadPan,
		24: HeadTilt,
	}
}

// IsHead reports whether the joint moves the head.
func (j JointName) IsHead() bool {
	return strings.HasPrefix(string(j), "head_")
}

// Key returns the flattened observation/action key, "<joint>.pos".
func (j JointName) Key() string {
	return string(j) + posSuffix
}

const posSuffix = ".pos"

// joint is one configured servo.
type joint struct {
	id   int
	name JointName
	mode NormMode
}

// jointTable is the immutable id/name mapping derived from Config.
type jointTable struct {
	ordered []joint // sorted by servo id
	byName  map[JointName]joint
	byID    map[int]joint
}

func newJointTable(cfg Config) jointTable {
	t := jointTable{
		byName: make(map[JointName]joint, len(cfg.ServoMapping)),
		byID:   make(map[int]joint, len(cfg.ServoMapping)),
	}
	for id, name := range cfg.ServoMapping {
		j := joint{id: id, name: name, mode: cfg.ModeFor(name)}
		t.ordered = append(t.ordered, j)
		t.byName[name] = j
		t.byID[id] = j
	}
	slices.SortFunc(t.ordered, func(a, b joint) int { return a.id - b.id })
	return t
}

func (t jointTable) ids() []int {
	ids := make([]int, len(t.ordered))
	for i, j := range t.ordered {
		ids[i] = j.id
	}
	return ids
}

func (t jointTable) names() []JointName {
	names := make([]JointName, len(t.ordered))
	for i, j := range t.ordered {
		names[i] = j.name
	}
	return names
}

func (t jointTable) neutral() map[JointName]float64 {
	m := make(map[JointName]float64, len(t.ordered))
	for _, j := range t.ordered {
		m[j.name] = j.mode.Neutral()
	}
	return m
}
