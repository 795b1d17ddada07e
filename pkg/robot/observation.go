package robot

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/gwillem/brewie/pkg/telemetry"
)

// Action maps joints to requested positions.
type Action map[JointName]float64

// Flatten returns the action keyed by "<joint>.pos".
func (a Action) Flatten() map[string]float64 {
	out := make(map[string]float64, len(a))
	for name, v := range a {
		out[name.Key()] = v
	}
	return out
}

// ActionFromFlat converts "<joint>.pos" keys back into an Action. Keys
// without the suffix are ignored.
func ActionFromFlat(flat map[string]float64) Action {
	a := make(Action, len(flat))
	for k, v := range flat {
		name, ok := strings.CutSuffix(k, posSuffix)
		if !ok || name == "" {
			continue
		}
		a[JointName(name)] = v
	}
	return a
}

// Observation is the robot state at one control tick. Each field is an
// independent snapshot; feeds are not synchronized with each other.
type Observation struct {
	Joints   map[JointName]float64
	Camera   telemetry.Frame
	IMU      telemetry.IMUSample
	Joystick telemetry.JoySample

	Timestamp time.Time
	// FetchErr is set when the position fetch failed and Joints holds the
	// cached state.
	FetchErr error
	// StaleJoints lists joints whose value is older than the configured
	// max staleness.
	StaleJoints []JointName
}

// Flatten returns the observation as a flat key/value map: "<joint>.pos"
// floats, "camera" frame, "imu.*" floats, "joystick.axis_<i>" and
// "joystick.button_<i>" floats.
func (o Observation) Flatten() map[string]any {
	out := make(map[string]any, len(o.Joints)+1+len(imuKeys)+len(o.Joystick.Axes)+len(o.Joystick.Buttons))
	for name, v := range o.Joints {
		out[name.Key()] = v
	}
	out[CameraKey] = o.Camera
	for i, v := range imuValues(o.IMU) {
		out[imuKeys[i]] = v
	}
	for i, v := range o.Joystick.Axes {
		out[axisKey(i)] = v
	}
	for i, v := range o.Joystick.Buttons {
		out[buttonKey(i)] = float64(v)
	}
	return out
}

// CameraKey is the flattened key of the camera frame.
const CameraKey = "camera"

var imuKeys = []string{
	"imu.orientation.x", "imu.orientation.y", "imu.orientation.z", "imu.orientation.w",
	"imu.angular_velocity.x", "imu.angular_velocity.y", "imu.angular_velocity.z",
	"imu.linear_acceleration.x", "imu.linear_acceleration.y", "imu.linear_acceleration.z",
}

func imuValues(s telemetry.IMUSample) []float64 {
	return []float64{
		s.Orientation.X, s.Orientation.Y, s.Orientation.Z, s.Orientation.W,
		s.AngularVelocity.X, s.AngularVelocity.Y, s.AngularVelocity.Z,
		s.LinearAcceleration.X, s.LinearAcceleration.Y, s.LinearAcceleration.Z,
	}
}

func axisKey(i int) string   { return fmt.Sprintf("joystick.axis_%d", i) }
func buttonKey(i int) string { return fmt.Sprintf("joystick.button_%d", i) }

// FeatureKind is the value type behind a flattened key.
type FeatureKind string

const (
	FeatureFloat FeatureKind = "float"
	FeatureImage FeatureKind = "image"
)

// Feature describes one flattened key.
type Feature struct {
	Kind  FeatureKind
	Shape []int // (height, width, channels) for images
}

// Features maps flattened keys to their description.
type Features map[string]Feature

// Keys returns the keys in sorted order.
func (f Features) Keys() []string {
	return slices.Sorted(maps.Keys(f))
}

func observationFeatures(cfg Config) Features {
	f := actionFeatures(cfg)
	f[CameraKey] = Feature{Kind: FeatureImage, Shape: []int{cfg.Camera.Height, cfg.Camera.Width, 3}}
	for _, k := range imuKeys {
		f[k] = Feature{Kind: FeatureFloat}
	}
	for i := range cfg.JoystickAxes {
		f[axisKey(i)] = Feature{Kind: FeatureFloat}
	}
	for i := range cfg.JoystickButtons {
		f[buttonKey(i)] = Feature{Kind: FeatureFloat}
	}
	return f
}

func actionFeatures(cfg Config) Features {
	f := make(Features, len(cfg.ServoMapping))
	for _, name := range cfg.ServoMapping {
		f[name.Key()] = Feature{Kind: FeatureFloat}
	}
	return f
}
