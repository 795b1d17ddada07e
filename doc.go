// Package brewie drives a Brewie humanoid robot over rosbridge.
//
// The robot exposes its servos, camera, IMU and joystick through a
// rosbridge websocket. This module reads them as one flat observation,
// sends step-limited joint targets, and teleoperates the robot from an
// SO-101 leader arm or the robot's own joystick.
//
// # Installation
//
//	go install github.com/gwillem/brewie/cmd/brewie@latest
//
// # Usage
//
// Configure the connection and, optionally, calibrate a leader arm:
//
//	brewie setup
//
// Check that the robot answers:
//
//	brewie info
//	brewie bench
//
// Then start teleoperation:
//
//	brewie teleoperate --source leader
//
// # Packages
//
//   - cmd/brewie: CLI with setup, teleoperate, info and bench commands
//   - pkg/rosbridge: rosbridge v2 websocket session, services and topics
//   - pkg/telemetry: camera, IMU and joystick decoders with latest-sample slots
//   - pkg/robot: joint mapping, state cache, safety clamp and observations
//   - pkg/leader: SO-101 leader arm calibration and joint mapping
//   - pkg/teleop: fixed-rate teleoperation controller and joystick source
//   - pkg/config, pkg/logging: configuration file and process logger
package brewie
