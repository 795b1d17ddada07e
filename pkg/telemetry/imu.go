package telemetry

import (
	"fmt"
	"log/slog"
	"math"
)

// Vector3 mirrors geometry_msgs/Vector3.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion mirrors geometry_msgs/Quaternion.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IMUSample is the useful part of a sensor_msgs/Imu message.
type IMUSample struct {
	Orientation        Quaternion `json:"orientation"`
	AngularVelocity    Vector3    `json:"angular_velocity"`
	LinearAcceleration Vector3    `json:"linear_acceleration"`
}

func (s IMUSample) finite() bool {
	for _, v := range []float64{
		s.Orientation.X, s.Orientation.Y, s.Orientation.Z, s.Orientation.W,
		s.AngularVelocity.X, s.AngularVelocity.Y, s.AngularVelocity.Z,
		s.LinearAcceleration.X, s.LinearAcceleration.Y, s.LinearAcceleration.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// DecodeIMU decodes a sensor_msgs/Imu payload.
func DecodeIMU(p Payload) (IMUSample, error) {
	var s IMUSample
	if err := p.Decode(&s); err != nil {
		return IMUSample{}, err
	}
	if !s.finite() {
		return IMUSample{}, fmt.Errorf("imu: non-finite value in %+v", s)
	}
	return s, nil
}

// NewIMUSubscriber returns a subscriber for an inertial feed.
func NewIMUSubscriber(name string, logger *slog.Logger) *Subscriber[IMUSample] {
	return NewSubscriber(name, DecodeIMU, nil, logger)
}
