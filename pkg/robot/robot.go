package robot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gwillem/brewie/pkg/rosbridge"
	"github.com/gwillem/brewie/pkg/telemetry"
)

// Option configures a Robot.
type Option func(*Robot)

// WithBus replaces the default rosbridge session.
func WithBus(b Bus) Option {
	return func(r *Robot) { r.bus = b }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Robot) { r.logger = l }
}

// Robot is a Brewie reached over rosbridge. GetObservation and SendAction
// are meant to be called from one control loop; telemetry arrives
// concurrently on the bus's delivery goroutines.
type Robot struct {
	cfg    Config
	bus    Bus
	logger *slog.Logger
	now    func() time.Time

	joints jointTable
	cache  *StateCache
	camera *telemetry.Subscriber[telemetry.Frame]
	imu    *telemetry.Subscriber[telemetry.IMUSample]
	joy    *telemetry.Subscriber[telemetry.JoySample]

	mu         sync.Mutex // guards the fields below
	fetcher    *fetcher
	dispatcher *dispatcher
	subs       map[string]Subscription // by feed name
}

// New creates a disconnected robot.
func New(cfg Config, opts ...Option) (*Robot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid robot config: %w", err)
	}
	r := &Robot{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		joints: newJointTable(cfg),
		cache:  NewStateCache(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = NewRosbridgeBus(rosbridge.NewSession(rosbridge.Config{
			Host:           cfg.Host,
			Port:           cfg.Port,
			ConnectTimeout: cfg.ConnectTimeout.D(),
			RequestTimeout: cfg.RequestTimeout.D(),
			Logger:         r.logger,
		}))
	}
	r.camera = telemetry.NewImageSubscriber("camera", cfg.Camera.PixelLimit(), r.logger)
	r.imu = telemetry.NewIMUSubscriber("imu", r.logger)
	r.joy = telemetry.NewJoySubscriber("joystick", r.logger)
	return r, nil
}

func (r *Robot) String() string {
	return "Brewie(" + net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port)) + ")"
}

// Config returns the robot configuration.
func (r *Robot) Config() Config { return r.cfg }

// Joints returns the configured joints ordered by servo id.
func (r *Robot) Joints() []JointName { return r.joints.names() }

// State returns the connection state of the bus.
func (r *Robot) State() rosbridge.State { return r.bus.State() }

// IsConnected reports whether the bus link is up.
func (r *Robot) IsConnected() bool { return r.bus.IsConnected() }

// IsCalibrated is always true: the controller on the robot owns servo
// calibration.
func (r *Robot) IsCalibrated() bool { return true }

// ObservationFeatures describes the keys of Observation.Flatten.
func (r *Robot) ObservationFeatures() Features { return observationFeatures(r.cfg) }

// ActionFeatures describes the keys of Action.Flatten.
func (r *Robot) ActionFeatures() Features { return actionFeatures(r.cfg) }

// Connect opens the bus link, seeds every joint with its neutral position
// and subscribes to the configured feeds.
func (r *Robot) Connect(ctx context.Context) error {
	if err := r.bus.Connect(ctx); err != nil {
		return err
	}

	r.cache.Seed(r.joints.neutral())

	subs, err := r.subscribe()
	if err != nil {
		for _, s := range subs {
			s.Unsubscribe()
		}
		if derr := r.bus.Disconnect(); derr != nil {
			r.logger.Warn("disconnect after failed subscribe", "error", derr)
		}
		return err
	}

	r.mu.Lock()
	r.subs = subs
	r.fetcher = &fetcher{
		joints:  r.joints,
		cache:   r.cache,
		service: r.bus.Service(r.cfg.PositionService, r.cfg.PositionServiceType),
		timeout: r.cfg.RequestTimeout.D(),
		logger:  r.logger,
		now:     r.now,
	}
	r.dispatcher = &dispatcher{
		joints:   r.joints,
		cache:    r.cache,
		topic:    r.bus.Topic(r.cfg.SetPositionTopic, r.cfg.SetPositionType),
		duration: r.cfg.ServoDuration.D(),
		maxStep:  r.cfg.maxStep,
		logger:   r.logger,
	}
	r.mu.Unlock()

	r.logger.Info("connected", "robot", r.String(), "joints", len(r.joints.ordered), "feeds", len(subs))
	return nil
}

func (r *Robot) subscribe() (map[string]Subscription, error) {
	type feed struct {
		name           string
		topic, msgType string
		handler        func(telemetry.Payload)
		opts           []rosbridge.SubscribeOption
	}
	var camOpts []rosbridge.SubscribeOption
	if c := r.cfg.Camera.Compression; c != "" {
		camOpts = append(camOpts, rosbridge.WithCompression(c))
	}
	if t := r.cfg.Camera.ThrottleRate.D(); t > 0 {
		camOpts = append(camOpts, rosbridge.WithThrottleRate(int(t.Milliseconds())))
	}
	feeds := []feed{
		{r.camera.Name(), r.cfg.CameraTopic, "sensor_msgs/CompressedImage", r.camera.OnSample, camOpts},
		{r.imu.Name(), r.cfg.IMUTopic, "sensor_msgs/Imu", r.imu.OnSample, nil},
		{r.joy.Name(), r.cfg.JoyTopic, "sensor_msgs/Joy", r.joy.OnSample, nil},
	}

	subs := make(map[string]Subscription, len(feeds))
	for _, f := range feeds {
		if f.topic == "" {
			continue
		}
		s, err := r.bus.Topic(f.topic, f.msgType).Subscribe(f.handler, f.opts...)
		if err != nil {
			return subs, fmt.Errorf("subscribe %s: %w", f.topic, err)
		}
		subs[f.name] = s
	}
	return subs, nil
}

// Disconnect stops the feeds and closes the bus link.
func (r *Robot) Disconnect() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.fetcher = nil
	r.dispatcher = nil
	r.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if err := r.bus.Disconnect(); err != nil {
		return err
	}
	r.logger.Info("disconnected", "robot", r.String())
	return nil
}

func (r *Robot) active() (*fetcher, *dispatcher, error) {
	if !r.bus.IsConnected() {
		return nil, nil, ErrNotConnected
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetcher == nil {
		return nil, nil, ErrNotConnected
	}
	return r.fetcher, r.dispatcher, nil
}

// GetObservation fetches fresh servo positions and snapshots every feed.
// It only fails when the robot is not connected; a failed fetch yields the
// cached positions and a feed without data yields its default payload.
// The call blocks for at most the request timeout.
func (r *Robot) GetObservation(ctx context.Context) (Observation, error) {
	f, _, err := r.active()
	if err != nil {
		return Observation{}, err
	}

	res := f.fetch(ctx)
	obs := Observation{
		Joints:    res.Positions,
		FetchErr:  res.Err,
		Timestamp: r.now(),
	}

	if frame, ok := r.camera.Last(); ok {
		obs.Camera = frame
	} else {
		obs.Camera = telemetry.BlankFrame(r.cfg.Camera.Width, r.cfg.Camera.Height)
	}
	obs.IMU, _ = r.imu.Last()
	joy, _ := r.joy.Last()
	obs.Joystick = joy.Resize(r.cfg.JoystickAxes, r.cfg.JoystickButtons)

	if maxAge := r.cfg.MaxStaleness.D(); maxAge > 0 {
		if stale := r.cache.Stale(obs.Timestamp, maxAge); len(stale) > 0 {
			obs.StaleJoints = orderJoints(r.joints, stale)
			r.logger.Warn("joint positions are stale", "joints", obs.StaleJoints, "max_staleness", maxAge)
		}
	}
	return obs, nil
}

// SendAction clamps action against the last known positions and publishes
// it. It returns what was actually commanded; joints without a servo are
// left out. Publish failures are logged, not returned.
func (r *Robot) SendAction(action Action) (Action, error) {
	_, d, err := r.active()
	if err != nil {
		return nil, err
	}
	return d.send(action), nil
}

// CameraStatus describes the camera feed.
type CameraStatus struct {
	Topic    string
	HasFrame bool
	Width    int
	Height   int
	Captured time.Time // when the current frame was stored
	Age      time.Duration
	Stats    telemetry.Stats
}

// CameraStatus reports whether the camera has delivered a frame yet.
func (r *Robot) CameraStatus() CameraStatus {
	st := CameraStatus{Topic: r.cfg.CameraTopic, Stats: r.camera.Stats()}
	if frame, at, ok := r.camera.LastAt(); ok {
		st.HasFrame = true
		st.Width, st.Height = frame.Width, frame.Height
		st.Captured = at
		st.Age = r.now().Sub(at)
	}
	return st
}

// FeedStatus is a feed's decode counters plus the samples its transport
// mailbox overwrote before they were handed over.
type FeedStatus struct {
	telemetry.Stats
	Replaced uint64
}

// FeedStats returns delivery counters keyed by feed name.
func (r *Robot) FeedStats() map[string]FeedStatus {
	r.mu.Lock()
	subs := r.subs
	r.mu.Unlock()

	out := map[string]FeedStatus{
		r.camera.Name(): {Stats: r.camera.Stats()},
		r.imu.Name():    {Stats: r.imu.Stats()},
		r.joy.Name():    {Stats: r.joy.Stats()},
	}
	for name, sub := range subs {
		st := out[name]
		st.Replaced = sub.Replaced()
		out[name] = st
	}
	return out
}

func orderJoints(t jointTable, names []JointName) []JointName {
	want := make(map[JointName]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]JointName, 0, len(names))
	for _, j := range t.ordered {
		if want[j.name] {
			out = append(out, j.name)
		}
	}
	return out
}
