package rosbridge

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handler receives topic samples. It runs on the subscription's own
// delivery goroutine, never on the caller's.
type Handler func(Message)

// Topic is a handle on a ROS topic.
type Topic struct {
	session *Session
	name    string
	msgType string
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Publish sends msg, advertising the topic on first use. Concurrent first
// publishes wait for the one advertise frame, so a publish never reaches
// the wire ahead of it. It does not wait for any acknowledgement.
func (t *Topic) Publish(msg any) error {
	s := t.session

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("publish %s: %w", t.name, ErrNotConnected)
	}
	adv, seen := s.advertised[t.name]
	if !seen {
		adv = &advertisement{ready: make(chan struct{})}
		s.advertised[t.name] = adv
	}
	done := s.done
	s.mu.Unlock()

	if !seen {
		adv.err = t.advertise()
		if adv.err != nil {
			s.mu.Lock()
			if s.advertised[t.name] == adv {
				delete(s.advertised, t.name)
			}
			s.mu.Unlock()
		}
		close(adv.ready)
	}

	select {
	case <-adv.ready:
	case <-done:
		return fmt.Errorf("publish %s: %w", t.name, ErrNotConnected)
	}
	if adv.err != nil {
		return fmt.Errorf("advertise %s: %w", t.name, adv.err)
	}

	if err := s.send(opPublish{Op: "publish", Topic: t.name, Msg: msg}); err != nil {
		return fmt.Errorf("publish %s: %w", t.name, err)
	}
	return nil
}

// advertisement gates publishes on a topic until its advertise frame is
// written. err is set before ready is closed.
type advertisement struct {
	ready chan struct{}
	err   error
}

func (t *Topic) advertise() error {
	s := t.session
	return s.send(opAdvertise{
		Op:    "advertise",
		ID:    s.nextID("advertise", t.name),
		Topic: t.name,
		Type:  t.msgType,
	})
}

// SubscribeOption tunes a subscription request.
type SubscribeOption func(*opSubscribe)

// WithCompression asks the server to encode samples; "cbor" makes the
// server send binary CBOR frames with byte arrays as raw bytes.
func WithCompression(c string) SubscribeOption {
	return func(op *opSubscribe) { op.Compression = c }
}

// WithThrottleRate sets the minimum interval between samples, in ms.
func WithThrottleRate(ms int) SubscribeOption {
	return func(op *opSubscribe) { op.ThrottleRate = ms }
}

// WithQueueLength sets the server-side queue length.
func WithQueueLength(n int) SubscribeOption {
	return func(op *opSubscribe) { op.QueueLength = n }
}

// Subscribe registers h for samples on the topic. Samples are handed to h
// through a single-slot mailbox: if h is still busy when a newer sample
// arrives, the waiting one is replaced, so a slow handler sees the latest
// sample rather than a backlog.
func (t *Topic) Subscribe(h Handler, opts ...SubscribeOption) (*Subscription, error) {
	s := t.session
	op := opSubscribe{
		Op:          "subscribe",
		ID:          s.nextID("subscribe", t.name),
		Topic:       t.name,
		Type:        t.msgType,
		QueueLength: 1,
	}
	for _, o := range opts {
		o(&op)
	}

	sub := &Subscription{
		id:      op.ID,
		topic:   t.name,
		session: s,
		handler: h,
		mailbox: make(chan Message, 1),
		quit:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", t.name, ErrNotConnected)
	}
	s.subs[sub.id] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	go sub.run(&s.wg)

	if err := s.send(op); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", t.name, err)
	}
	s.logger.Debug("subscribed", "topic", t.name, "type", t.msgType, "compression", op.Compression)
	return sub, nil
}

// Subscription is one active topic subscription.
type Subscription struct {
	id      string
	topic   string
	session *Session
	handler Handler

	mailbox  chan Message
	quit     chan struct{}
	stopOnce sync.Once

	replaced atomic.Uint64
}

// Topic returns the subscribed topic name.
func (sub *Subscription) Topic() string { return sub.topic }

// Replaced returns how many samples were overwritten in the mailbox
// before the handler got to them.
func (sub *Subscription) Replaced() uint64 { return sub.replaced.Load() }

// Unsubscribe stops delivery and tells the server. It is safe to call
// more than once and after the session has disconnected.
func (sub *Subscription) Unsubscribe() {
	s := sub.session
	s.mu.Lock()
	_, live := s.subs[sub.id]
	delete(s.subs, sub.id)
	s.mu.Unlock()

	sub.stop()
	if live {
		if err := s.send(opUnsubscribe{Op: "unsubscribe", ID: sub.id, Topic: sub.topic}); err != nil {
			s.logger.Debug("unsubscribe not sent", "topic", sub.topic, "error", err)
		}
	}
}

func (sub *Subscription) stop() {
	sub.stopOnce.Do(func() { close(sub.quit) })
}

// offer places m in the mailbox, evicting an undelivered older sample.
// Only the session's read goroutine calls offer.
func (sub *Subscription) offer(m Message) {
	for {
		select {
		case <-sub.quit:
			return
		case sub.mailbox <- m:
			return
		default:
		}
		select {
		case <-sub.mailbox:
			sub.replaced.Add(1)
		default:
		}
	}
}

func (sub *Subscription) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-sub.quit:
			return
		case m := <-sub.mailbox:
			// quit wins over a sample that raced with it
			select {
			case <-sub.quit:
				return
			default:
			}
			sub.deliver(m)
		}
	}
}

func (sub *Subscription) deliver(m Message) {
	defer func() {
		if r := recover(); r != nil {
			sub.session.logger.Error("subscription handler panicked", "topic", sub.topic, "panic", r)
		}
	}()
	sub.handler(m)
}
