package robot

import (
	"errors"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// CameraConfig describes the compressed camera feed.
type CameraConfig struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	// Compression is passed to rosbridge; "cbor" avoids base64 for the
	// image bytes.
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty"`
	// ThrottleRate asks the server to space frames at least this far apart.
	ThrottleRate Duration `json:"throttle_rate,omitempty" yaml:"throttle_rate,omitempty"`
	// MaxPixels rejects larger frames before decoding. Zero means four
	// times Width*Height.
	MaxPixels int `json:"max_pixels,omitempty" yaml:"max_pixels,omitempty"`
}

// PixelLimit returns the largest frame, in pixels, the camera feed keeps.
func (c CameraConfig) PixelLimit() int {
	if c.MaxPixels > 0 {
		return c.MaxPixels
	}
	return 4 * c.Width * c.Height
}

// Config holds the robot configuration.
type Config struct {
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`

	ServoMapping map[int]JointName `json:"servo_mapping" yaml:"servo_mapping"`
	// ServoDuration is the move time sent with every position command.
	ServoDuration Duration `json:"servo_duration" yaml:"servo_duration"`

	NormMode   NormMode               `json:"norm_mode" yaml:"norm_mode"`
	JointModes map[JointName]NormMode `json:"joint_modes,omitempty" yaml:"joint_modes,omitempty"`

	// MaxRelativeTarget bounds how far one command may move any joint from
	// its last known position. nil disables the limit.
	MaxRelativeTarget  *float64              `json:"max_relative_target,omitempty" yaml:"max_relative_target,omitempty"`
	MaxRelativeTargets map[JointName]float64 `json:"max_relative_targets,omitempty" yaml:"max_relative_targets,omitempty"`

	// MaxStaleness flags joints whose cached position is older than this.
	// Zero disables the check.
	MaxStaleness Duration `json:"max_staleness,omitempty" yaml:"max_staleness,omitempty"`

	PositionService     string `json:"position_service" yaml:"position_service"`
	PositionServiceType string `json:"position_service_type" yaml:"position_service_type"`
	SetPositionTopic    string `json:"set_position_topic" yaml:"set_position_topic"`
	SetPositionType     string `json:"set_position_type" yaml:"set_position_type"`

	// An empty topic disables the feed; its default payload is still
	// reported.
	CameraTopic string `json:"camera_topic" yaml:"camera_topic"`
	IMUTopic    string `json:"imu_topic" yaml:"imu_topic"`
	JoyTopic    string `json:"joy_topic" yaml:"joy_topic"`

	Camera          CameraConfig `json:"camera" yaml:"camera"`
	JoystickAxes    int          `json:"joystick_axes" yaml:"joystick_axes"`
	JoystickButtons int          `json:"joystick_buttons" yaml:"joystick_buttons"`
}

// DefaultConfig returns the configuration of a stock Brewie.
func DefaultConfig() Config {
	return Config{
		Host:                "localhost",
		Port:                9090,
		ConnectTimeout:      Duration(10 * time.Second),
		RequestTimeout:      Duration(time.Second),
		ServoMapping:        DefaultServoMapping(),
		ServoDuration:       Duration(100 * time.Millisecond),
		NormMode:            Pulses,
		PositionService:     "/ros_robot_controller/bus_servo/get_position",
		PositionServiceType: "ros_robot_controller/GetBusServosPosition",
		SetPositionTopic:    "/ros_robot_controller/bus_servo/set_position",
		SetPositionType:     "ros_robot_controller/SetBusServosPosition",
		CameraTopic:         "/camera/image_raw/compressed",
		IMUTopic:            "/imu",
		JoyTopic:            "/joy",
		Camera:              CameraConfig{Width: 640, Height: 480},
		JoystickAxes:        8,
		JoystickButtons:     15,
	}
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is empty")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.ConnectTimeout <= 0:
		return errors.New("connect_timeout must be positive")
	case c.RequestTimeout <= 0:
		return errors.New("request_timeout must be positive")
	case c.ServoDuration < 0:
		return errors.New("servo_duration is negative")
	case c.MaxStaleness < 0:
		return errors.New("max_staleness is negative")
	case len(c.ServoMapping) == 0:
		return errors.New("servo_mapping is empty")
	case c.PositionService == "":
		return errors.New("position_service is empty")
	case c.SetPositionTopic == "":
		return errors.New("set_position_topic is empty")
	case c.Camera.Width <= 0 || c.Camera.Height <= 0:
		return fmt.Errorf("camera size %dx%d must be positive", c.Camera.Width, c.Camera.Height)
	case c.Camera.MaxPixels < 0:
		return errors.New("camera max_pixels must not be negative")
	case c.JoystickAxes < 0 || c.JoystickButtons < 0:
		return errors.New("joystick axes and buttons must not be negative")
	}

	seen := make(map[JointName]int, len(c.ServoMapping))
	for id, name := range c.ServoMapping {
		if id < 0 || id > 253 {
			return fmt.Errorf("servo id %d out of range", id)
		}
		if name == "" {
			return fmt.Errorf("servo %d has no joint name", id)
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("joint %s mapped to both servo %d and %d", name, min(id, other), max(id, other))
		}
		seen[name] = id
	}

	if c.NormMode != "" && !c.NormMode.Valid() {
		return fmt.Errorf("unknown norm_mode %q", c.NormMode)
	}
	for name, m := range c.JointModes {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("joint_modes: unknown joint %s", name)
		}
		if m != "" && !m.Valid() {
			return fmt.Errorf("joint_modes: unknown mode %q for %s", m, name)
		}
	}

	if c.MaxRelativeTarget != nil && *c.MaxRelativeTarget < 0 {
		return errors.New("max_relative_target is negative")
	}
	for name, v := range c.MaxRelativeTargets {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("max_relative_targets: unknown joint %s", name)
		}
		if v < 0 {
			return fmt.Errorf("max_relative_targets: negative limit for %s", name)
		}
	}
	return nil
}

// Joints returns the configured joint names ordered by servo id.
func (c Config) Joints() []JointName {
	return newJointTable(c).names()
}

// ModeFor returns the normalization mode used for a joint.
func (c Config) ModeFor(name JointName) NormMode {
	if m, ok := c.JointModes[name]; ok && m != "" {
		return m
	}
	if c.NormMode == "" {
		return Pulses
	}
	return c.NormMode
}

// maxStep returns the step limit for a joint and whether one applies.
func (c Config) maxStep(name JointName) (float64, bool) {
	if v, ok := c.MaxRelativeTargets[name]; ok {
		return v, true
	}
	if c.MaxRelativeTarget != nil {
		return *c.MaxRelativeTarget, true
	}
	return 0, false
}

// WithMaxRelativeTarget returns a copy with a global step limit.
func (c Config) WithMaxRelativeTarget(v float64) Config {
	c.MaxRelativeTarget = &v
	return c
}
