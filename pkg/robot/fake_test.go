package robot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/gwillem/brewie/pkg/rosbridge"
	"github.com/gwillem/brewie/pkg/telemetry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type jsonPayload []byte

func (p jsonPayload) Decode(v any) error { return json.Unmarshal(p, v) }

// fakeBus is an in-memory Bus. The position service answers with reply;
// published commands and feed handlers are recorded per topic.
type fakeBus struct {
	mu         sync.Mutex
	state      rosbridge.State
	connectErr error
	reply      func(ctx context.Context, ids []int) (any, error)
	publishErr error
	published  []SetPositionCommand
	handlers   map[string]func(telemetry.Payload)
	subOpts    map[string]int
	unsubs     int
	calls      int
	replaced   map[string]uint64
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string]func(telemetry.Payload)),
		subOpts:  make(map[string]int),
		replaced: make(map[string]uint64),
	}
}

func (b *fakeBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == rosbridge.StateConnected {
		return rosbridge.ErrAlreadyConnected
	}
	if b.connectErr != nil {
		b.state = rosbridge.StateFailed
		return b.connectErr
	}
	b.state = rosbridge.StateConnected
	return nil
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == rosbridge.StateDisconnected {
		return rosbridge.ErrNotConnected
	}
	b.state = rosbridge.StateDisconnected
	return nil
}

func (b *fakeBus) State() rosbridge.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBus) IsConnected() bool { return b.State() == rosbridge.StateConnected }

func (b *fakeBus) Service(name, srvType string) Caller { return fakeCaller{b} }

func (b *fakeBus) Topic(name, msgType string) Channel { return fakeTopic{b, name} }

// setReply makes the position service report the given id -> pulse map.
func (b *fakeBus) setReply(positions map[int]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply = func(context.Context, []int) (any, error) {
		var list []ServoPosition
		for id, p := range positions {
			list = append(list, ServoPosition{ID: id, Position: p})
		}
		return map[string]any{"success": true, "position": list}, nil
	}
}

// setReports makes the position service answer with raw reports.
func (b *fakeBus) setReports(reports ...positionReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply = func(context.Context, []int) (any, error) {
		return getPositionResponse{Success: true, Position: reports}, nil
	}
}

func (b *fakeBus) setFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply = func(context.Context, []int) (any, error) {
		return map[string]any{"success": false}, nil
	}
}

func (b *fakeBus) lastPublished() (SetPositionCommand, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) == 0 {
		return SetPositionCommand{}, 0
	}
	return b.published[len(b.published)-1], len(b.published)
}

func (b *fakeBus) deliver(topic string, p telemetry.Payload) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(p)
	}
}

type fakeCaller struct{ b *fakeBus }

func (c fakeCaller) Call(ctx context.Context, args, result any) error {
	c.b.mu.Lock()
	c.b.calls++
	reply := c.b.reply
	c.b.mu.Unlock()
	if reply == nil {
		return errors.New("no reply configured")
	}
	req := args.(getPositionRequest)
	resp, err := reply(ctx, req.ID)
	if err != nil {
		return err
	}
	// values JSON cannot carry, such as NaN, are handed over as is
	if direct, ok := resp.(getPositionResponse); ok {
		*result.(*getPositionResponse) = direct
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

type fakeTopic struct {
	b    *fakeBus
	name string
}

func (t fakeTopic) Publish(msg any) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if t.b.publishErr != nil {
		return t.b.publishErr
	}
	t.b.published = append(t.b.published, msg.(SetPositionCommand))
	return nil
}

func (t fakeTopic) Subscribe(h func(telemetry.Payload), opts ...rosbridge.SubscribeOption) (Subscription, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.handlers[t.name] = h
	t.b.subOpts[t.name] = len(opts)
	return fakeSub{t.b, t.name}, nil
}

type fakeSub struct {
	b    *fakeBus
	name string
}

func (s fakeSub) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.handlers, s.name)
	s.b.unsubs++
}

func (s fakeSub) Replaced() uint64 {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.b.replaced[s.name]
}
