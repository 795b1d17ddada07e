package teleop

import (
	"context"
	"fmt"
	"math"

	"github.com/gwillem/brewie/pkg/robot"
)

// AxisBinding moves a joint by Gain*axis per tick.
type AxisBinding struct {
	Axis  int             `json:"axis" yaml:"axis"`
	Joint robot.JointName `json:"joint" yaml:"joint"`
	Gain  float64         `json:"gain" yaml:"gain"`
}

// JoystickConfig configures the gamepad action source.
type JoystickConfig struct {
	Bindings []AxisBinding `json:"bindings" yaml:"bindings"`
	// Deadzone ignores axis values with a smaller magnitude.
	Deadzone float64 `json:"deadzone" yaml:"deadzone"`
	// NeutralButton sends every bound joint to its neutral position while
	// held. Negative disables it.
	NeutralButton int `json:"neutral_button" yaml:"neutral_button"`
}

// DefaultJoystickConfig steers the head with the left stick and the right
// shoulder with the right stick. Gains are in pulses per tick.
func DefaultJoystickConfig() JoystickConfig {
	return JoystickConfig{
		Bindings: []AxisBinding{
			{Axis: 0, Joint: robot.HeadPan, Gain: 8},
			{Axis: 1, Joint: robot.HeadTilt, Gain: 8},
			{Axis: 3, Joint: robot.RightShoulderPan, Gain: 10},
			{Axis: 4, Joint: robot.RightShoulderLift, Gain: 10},
		},
		Deadzone:      0.1,
		NeutralButton: 8,
	}
}

// JoystickSource turns the robot's own joystick feed into relative joint
// moves.
type JoystickSource struct {
	cfg     JoystickConfig
	neutral map[robot.JointName]float64
}

// NewJoystickSource checks the bindings against the robot configuration.
func NewJoystickSource(cfg JoystickConfig, robotCfg robot.Config) (*JoystickSource, error) {
	known := make(map[robot.JointName]bool, len(robotCfg.ServoMapping))
	for _, name := range robotCfg.ServoMapping {
		known[name] = true
	}
	s := &JoystickSource{cfg: cfg, neutral: make(map[robot.JointName]float64)}
	for _, b := range cfg.Bindings {
		if !known[b.Joint] {
			return nil, fmt.Errorf("axis %d bound to unknown joint %s", b.Axis, b.Joint)
		}
		if b.Axis < 0 || b.Axis >= robotCfg.JoystickAxes {
			return nil, fmt.Errorf("axis %d out of range (joystick has %d)", b.Axis, robotCfg.JoystickAxes)
		}
		s.neutral[b.Joint] = robotCfg.ModeFor(b.Joint).Neutral()
	}
	return s, nil
}

// NextAction implements ActionSource.
func (s *JoystickSource) NextAction(_ context.Context, obs robot.Observation) (robot.Action, error) {
	action := make(robot.Action, len(s.cfg.Bindings))
	if s.cfg.NeutralButton >= 0 && obs.Joystick.Button(s.cfg.NeutralButton) != 0 {
		for name, v := range s.neutral {
			action[name] = v
		}
		return action, nil
	}

	for _, b := range s.cfg.Bindings {
		a := obs.Joystick.Axis(b.Axis)
		if math.Abs(a) < s.cfg.Deadzone {
			continue
		}
		target, ok := action[b.Joint]
		if !ok {
			if target, ok = obs.Joints[b.Joint]; !ok {
				continue
			}
		}
		action[b.Joint] = target + b.Gain*a
	}
	return action, nil
}
