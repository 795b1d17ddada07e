package robot

import (
	"context"

	"github.com/gwillem/brewie/pkg/rosbridge"
	"github.com/gwillem/brewie/pkg/telemetry"
)

// Lifecycle errors, re-exported so callers need not import rosbridge.
var (
	ErrAlreadyConnected = rosbridge.ErrAlreadyConnected
	ErrNotConnected     = rosbridge.ErrNotConnected
	ErrConnectTimeout   = rosbridge.ErrConnectTimeout
)

// Bus is the message bus the robot talks through. *rosbridge.Session
// satisfies it via NewRosbridgeBus; tests use an in-memory fake.
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	State() rosbridge.State
	Service(name, srvType string) Caller
	Topic(name, msgType string) Channel
}

// Caller is a request/response endpoint.
type Caller interface {
	Call(ctx context.Context, args, result any) error
}

// Channel is a publish/subscribe endpoint.
type Channel interface {
	Publish(msg any) error
	Subscribe(h func(telemetry.Payload), opts ...rosbridge.SubscribeOption) (Subscription, error)
}

// Subscription is an active feed.
type Subscription interface {
	Unsubscribe()
	Replaced() uint64 // samples dropped for a newer one before delivery
}

// NewRosbridgeBus adapts a rosbridge session to Bus.
func NewRosbridgeBus(s *rosbridge.Session) Bus {
	return rosbridgeBus{s}
}

type rosbridgeBus struct {
	*rosbridge.Session
}

func (b rosbridgeBus) Service(name, srvType string) Caller {
	return b.Session.Service(name, srvType)
}

func (b rosbridgeBus) Topic(name, msgType string) Channel {
	return rosbridgeTopic{b.Session.Topic(name, msgType)}
}

type rosbridgeTopic struct {
	*rosbridge.Topic
}

func (t rosbridgeTopic) Subscribe(h func(telemetry.Payload), opts ...rosbridge.SubscribeOption) (Subscription, error) {
	sub, err := t.Topic.Subscribe(func(m rosbridge.Message) { h(m) }, opts...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
