package leader

import (
	"context"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/brewie/pkg/robot"
)

// Binding drives one Brewie joint from one leader motor.
type Binding struct {
	Motor  MotorName       `json:"motor" yaml:"motor"`
	Joint  robot.JointName `json:"joint" yaml:"joint"`
	Invert bool            `json:"invert,omitempty" yaml:"invert,omitempty"`
}

// DefaultBindings puts the leader on Brewie's right arm.
func DefaultBindings() []Binding {
	return []Binding{
		{Motor: ShoulderPan, Joint: robot.RightShoulderPan},
		{Motor: ShoulderLift, Joint: robot.RightShoulderLift},
		{Motor: ElbowFlex, Joint: robot.RightForearmPitch},
		{Motor: WristRoll, Joint: robot.RightForearmRoll},
		{Motor: Gripper, Joint: robot.RightGripper},
	}
}

// Config holds the leader arm configuration.
type Config struct {
	Port        string      `json:"port" yaml:"port"`
	Calibration Calibration `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	Bindings    []Binding   `json:"bindings,omitempty" yaml:"bindings,omitempty"`
}

// IsCalibrated returns true if the arm has calibration data.
func (c *Config) IsCalibrated() bool {
	return len(c.Calibration) > 0
}

// Mapper converts normalized leader positions into robot joint targets,
// scaling [-100, 100] onto each joint's normalized range.
type Mapper struct {
	bindings []Binding
	bounds   map[robot.JointName][2]float64
}

// NewMapper prepares bindings against the robot configuration. Bindings
// naming joints the robot does not have are an error.
func NewMapper(bindings []Binding, cfg robot.Config) (Mapper, error) {
	known := make(map[robot.JointName]bool, len(cfg.ServoMapping))
	for _, name := range cfg.ServoMapping {
		known[name] = true
	}
	m := Mapper{bindings: bindings, bounds: make(map[robot.JointName][2]float64, len(bindings))}
	for _, b := range bindings {
		if !known[b.Joint] {
			return Mapper{}, fmt.Errorf("binding %s -> %s: robot has no such joint", b.Motor, b.Joint)
		}
		lo, hi := cfg.ModeFor(b.Joint).Bounds()
		m.bounds[b.Joint] = [2]float64{lo, hi}
	}
	return m, nil
}

// Map returns the action for one leader reading. Motors missing from
// positions produce no target.
func (m Mapper) Map(positions map[MotorName]float64) robot.Action {
	action := make(robot.Action, len(m.bindings))
	for _, b := range m.bindings {
		n, ok := positions[b.Motor]
		if !ok {
			continue
		}
		if b.Invert {
			n = -n
		}
		r := m.bounds[b.Joint]
		action[b.Joint] = r[0] + (n+100)/200*(r[1]-r[0])
	}
	return action
}

// Arm is a leader arm on a serial bus.
type Arm struct {
	bus    *feetech.Bus
	group  *feetech.ServoGroup
	cal    Calibration
	mapper Mapper
}

// Open connects to the leader arm and releases its torque so it can be
// moved by hand.
func Open(ctx context.Context, cfg Config, robotCfg robot.Config) (*Arm, error) {
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, fmt.Errorf("leader calibration: %w", err)
	}
	bindings := cfg.Bindings
	if len(bindings) == 0 {
		bindings = DefaultBindings()
	}
	mapper, err := NewMapper(bindings, robotCfg)
	if err != nil {
		return nil, err
	}

	bus, err := OpenBus(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	a := &Arm{
		bus:    bus,
		group:  feetech.NewServoGroupByIDs(bus, cfg.Calibration.MotorIDs()...),
		cal:    cfg.Calibration,
		mapper: mapper,
	}
	if err := a.group.DisableAll(ctx); err != nil {
		bus.Close()
		return nil, fmt.Errorf("release torque: %w", err)
	}
	return a, nil
}

// OpenBus opens a Feetech STS bus at the SO-101's baud rate.
func OpenBus(port string) (*feetech.Bus, error) {
	return feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
}

// Close closes the arm's bus connection.
func (a *Arm) Close() error {
	return a.bus.Close()
}

// ReadPositions reads every motor, normalized to [-100, 100].
func (a *Arm) ReadPositions(ctx context.Context) (map[MotorName]float64, error) {
	raw, err := a.group.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}

	positions := make(map[MotorName]float64, len(raw))
	for id, pos := range raw {
		name, cal, ok := a.cal.ByID(id)
		if !ok {
			continue
		}
		positions[name] = cal.Normalize(pos)
	}
	return positions, nil
}

// NextAction reads the arm and maps its pose onto the robot.
func (a *Arm) NextAction(ctx context.Context, _ robot.Observation) (robot.Action, error) {
	positions, err := a.ReadPositions(ctx)
	if err != nil {
		return nil, err
	}
	return a.mapper.Map(positions), nil
}
