// Package teleop runs the fixed-rate control loop that drives a robot from
// an action source.
package teleop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gwillem/brewie/pkg/robot"
)

// DefaultHz is the control rate used when none is configured.
const DefaultHz = 30

// Follower is the robot being driven. *robot.Robot satisfies it.
type Follower interface {
	GetObservation(ctx context.Context) (robot.Observation, error)
	SendAction(action robot.Action) (robot.Action, error)
}

// ActionSource produces the next action from the latest observation.
type ActionSource interface {
	NextAction(ctx context.Context, obs robot.Observation) (robot.Action, error)
}

// State is the outcome of one control tick.
type State struct {
	Positions map[robot.JointName]float64
	Sent      robot.Action
	Stale     []robot.JointName
	Timestamp time.Time
	Duration  time.Duration
	Error     error
}

// Controller manages the teleoperation control loop.
type Controller struct {
	follower Follower
	source   ActionSource
	hz       int
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stateCh chan State
	logCh   chan string
}

// NewController creates a controller ticking at hz (DefaultHz if <= 0).
func NewController(follower Follower, source ActionSource, hz int, logger *slog.Logger) *Controller {
	if hz <= 0 {
		hz = DefaultHz
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		follower: follower,
		source:   source,
		hz:       hz,
		logger:   logger,
		stateCh:  make(chan State, 1),
		logCh:    make(chan string, 10),
	}
}

// States returns a channel that receives the latest tick state. Older
// states are dropped if the reader falls behind.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives human-readable log lines.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

func (c *Controller) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logCh <- msg:
	default:
	}
}

// Start runs the control loop until ctx is done or the robot reports a
// connection error. A source error skips the tick.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.log("Teleoperation started at %d Hz", c.hz)
	c.logger.Info("teleoperation started", "hz", c.hz)

	ticker := time.NewTicker(time.Second / time.Duration(c.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log("Teleoperation stopped")
			c.logger.Info("teleoperation stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := c.step(ctx); err != nil {
				c.log("Robot error: %v", err)
				c.logger.Error("teleoperation aborted", "error", err)
				return err
			}
		}
	}
}

// step runs one tick. It returns an error only for connection failures.
func (c *Controller) step(ctx context.Context) error {
	start := time.Now()

	obs, err := c.follower.GetObservation(ctx)
	if err != nil {
		c.sendState(State{Error: err, Timestamp: start})
		return err
	}
	if obs.FetchErr != nil {
		c.log("Position fetch failed, using cached state: %v", obs.FetchErr)
	}

	action, err := c.source.NextAction(ctx, obs)
	if err != nil {
		c.log("Source error: %v", err)
		c.logger.Warn("action source failed, skipping tick", "error", err)
		c.sendState(State{Positions: obs.Joints, Stale: obs.StaleJoints, Error: err, Timestamp: start, Duration: time.Since(start)})
		return nil
	}

	sent, err := c.follower.SendAction(action)
	if err != nil {
		c.sendState(State{Positions: obs.Joints, Error: err, Timestamp: start})
		return err
	}

	d := time.Since(start)
	c.logger.Debug("tick", "took", d, "sent", len(sent))
	c.sendState(State{
		Positions: obs.Joints,
		Sent:      sent,
		Stale:     obs.StaleJoints,
		Timestamp: start,
		Duration:  d,
	})
	return nil
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		c.stateCh <- s
	}
}
