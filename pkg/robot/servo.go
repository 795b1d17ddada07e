package robot

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// ErrPositionReport is recorded when the controller answers a position
// request with success=false.
var ErrPositionReport = errors.New("position service reported failure")

// ServoPosition is one {id, position} entry on the wire.
type ServoPosition struct {
	ID       int `json:"id"`
	Position int `json:"position"`
}

// getPositionRequest is the ros_robot_controller/GetBusServosPosition request.
type getPositionRequest struct {
	ID []int `json:"id"`
}

// positionReport is one entry of a position response. Position is a
// float because the controller is not trusted to stay in pulse range.
type positionReport struct {
	ID       int     `json:"id"`
	Position float64 `json:"position"`
}

// getPositionResponse is the ros_robot_controller/GetBusServosPosition response.
type getPositionResponse struct {
	Success  bool             `json:"success"`
	Position []positionReport `json:"position"`
}

// SetPositionCommand is the ros_robot_controller/SetBusServosPosition message.
type SetPositionCommand struct {
	Duration float64         `json:"duration"` // seconds
	Position []ServoPosition `json:"position"`
}

// FetchResult is the outcome of one position fetch.
type FetchResult struct {
	Positions map[JointName]float64 // every configured joint
	Received  []JointName           // reported in this fetch
	Missing   []JointName           // filled from the cache
	Err       error                 // nil if the controller answered
	Duration  time.Duration
}

// fetcher reads servo positions through the position service.
type fetcher struct {
	joints  jointTable
	cache   *StateCache
	service Caller
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// fetch asks the controller for every configured servo. It never fails:
// when the call fails the cached snapshot is returned and the error is
// recorded in the result.
func (f *fetcher) fetch(ctx context.Context) FetchResult {
	start := f.now()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var resp getPositionResponse
	err := f.service.Call(ctx, getPositionRequest{ID: f.joints.ids()}, &resp)
	if err == nil && !resp.Success {
		err = ErrPositionReport
	}
	if err != nil {
		f.logger.Warn("servo position fetch failed, using cached state", "error", err)
		return FetchResult{
			Positions: f.cache.Snapshot(),
			Missing:   f.joints.names(),
			Err:       err,
			Duration:  f.now().Sub(start),
		}
	}

	received := make(map[JointName]float64, len(resp.Position))
	for _, p := range resp.Position {
		j, ok := f.joints.byID[p.ID]
		if !ok {
			f.logger.Debug("ignoring report for unmapped servo", "id", p.ID)
			continue
		}
		pulse, ok := reportedPulse(p.Position)
		if !ok {
			f.logger.Warn("ignoring non-finite servo position", "joint", j.name, "position", p.Position)
			continue
		}
		received[j.name] = j.mode.Decode(pulse)
	}
	f.cache.Update(received, f.now())

	res := FetchResult{
		Positions: f.cache.Snapshot(),
		Duration:  f.now().Sub(start),
	}
	for _, j := range f.joints.ordered {
		if _, ok := received[j.name]; ok {
			res.Received = append(res.Received, j.name)
		} else {
			res.Missing = append(res.Missing, j.name)
		}
	}
	if len(res.Missing) > 0 {
		f.logger.Warn("servos missing from position report, using cached values", "missing", res.Missing)
	}
	f.logger.Debug("read servo state", "took", res.Duration)
	return res
}

// reportedPulse rounds a reported position to a whole pulse within
// [MinPulse, MaxPulse]. The float is clamped before conversion so huge
// values cannot wrap around to the other end of the range.
func reportedPulse(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int(math.Round(math.Max(MinPulse, math.Min(MaxPulse, v)))), true
}

// dispatcher clamps and publishes position commands.
type dispatcher struct {
	joints   jointTable
	cache    *StateCache
	topic    Channel
	duration time.Duration
	maxStep  func(JointName) (float64, bool)
	logger   *slog.Logger
}

// send publishes action and returns what was actually commanded. Joints
// without a servo are dropped; targets are clamped against the cache.
// Publish errors are logged, not returned.
func (d *dispatcher) send(action Action) Action {
	present := d.cache.Snapshot()
	goals := make(map[JointName]Goal, len(action))
	for name, target := range action {
		if _, ok := d.joints.byName[name]; !ok {
			d.logger.Debug("dropping action for unmapped joint", "joint", name)
			continue
		}
		if math.IsNaN(target) || math.IsInf(target, 0) {
			d.logger.Warn("dropping non-finite target", "joint", name, "target", target)
			continue
		}
		goals[name] = Goal{Target: target, Present: present[name]}
	}

	safe, clamped := EnsureSafeGoal(goals, d.maxStep)
	if len(clamped) > 0 {
		d.logger.Warn("clamped targets to max relative step", "joints", clamped)
	}

	sent := make(Action, len(safe))
	cmd := SetPositionCommand{Duration: d.duration.Seconds()}
	for _, j := range d.joints.ordered {
		v, ok := safe[j.name]
		if !ok {
			continue
		}
		pulse := d.quantize(j, v, goals[j.name].Present)
		cmd.Position = append(cmd.Position, ServoPosition{ID: j.id, Position: pulse})
		sent[j.name] = j.mode.Decode(pulse)
	}
	if len(cmd.Position) == 0 {
		return sent
	}

	if err := d.topic.Publish(cmd); err != nil {
		d.logger.Warn("publishing servo positions failed", "error", err)
	}
	return sent
}

// quantize encodes v to pulses. If rounding to a whole pulse would carry
// the target past the step limit, it backs off one pulse toward present.
func (d *dispatcher) quantize(j joint, v, present float64) int {
	pulse := j.mode.Encode(v)
	limit, ok := d.maxStep(j.name)
	if !ok {
		return pulse
	}
	if got := j.mode.Decode(pulse); math.Abs(got-present) > limit+1e-9 {
		if got > present {
			pulse--
		} else {
			pulse++
		}
	}
	return clampPulse(pulse)
}
