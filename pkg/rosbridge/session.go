package rosbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds connection settings for a Session.
type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration // default 10s
	RequestTimeout time.Duration // applied to calls whose context has no deadline; default 1s
	WriteTimeout   time.Duration // per-frame write deadline; default 1s
	Logger         *slog.Logger
	Dialer         *websocket.Dialer // nil uses websocket.DefaultDialer
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the websocket URL of the rosbridge server.
func (c Config) URL() string {
	return "ws://" + c.Addr()
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

type reply struct {
	values Message
	result bool
}

// Session owns the websocket link to a rosbridge server.
//
// One goroutine reads frames and routes them: service responses to the
// waiting caller, topic samples to each subscription's mailbox. Every
// subscription runs its handler on its own goroutine, so feeds never wait
// on each other and never wait on the caller.
type Session struct {
	cfg    Config
	logger *slog.Logger
	state  atomic.Int32

	mu         sync.Mutex // guards the fields below
	conn       *websocket.Conn
	done       chan struct{} // closed when the current link is torn down
	pending    map[string]chan reply
	subs       map[string]*Subscription
	advertised map[string]*advertisement

	writeMu sync.Mutex // websocket allows one concurrent writer
	wg      sync.WaitGroup
	seq     atomic.Uint64
}

// NewSession creates a disconnected session.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "rosbridge", "addr", cfg.Addr()),
	}
}

// Config returns the session's effective configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current link state. It never blocks.
func (s *Session) State() State { return State(s.state.Load()) }

// IsConnected reports whether the link is up. It never blocks.
func (s *Session) IsConnected() bool { return s.State() == StateConnected }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug("state change", "from", old, "to", st)
	}
}

// Connect dials the server. It fails with ErrAlreadyConnected while a
// link is up or being established, and with a *ConnectError when the dial
// fails or the connect timeout elapses; the state is then StateFailed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if st := s.State(); st == StateConnected || st == StateConnecting {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.setState(StateConnecting)
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := s.cfg.Dialer.DialContext(dialCtx, s.cfg.URL(), nil)
	if err != nil {
		s.setState(StateFailed)
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, s.cfg.ConnectTimeout, err)
		}
		s.logger.Warn("connect failed", "error", err)
		return &ConnectError{Addr: s.cfg.Addr(), Err: err}
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.pending = make(map[string]chan reply)
	s.subs = make(map[string]*Subscription)
	s.advertised = make(map[string]*advertisement)
	s.wg.Add(1)
	s.setState(StateConnected)
	s.mu.Unlock()

	go s.readLoop(conn)

	s.logger.Info("connected")
	return nil
}

// Disconnect closes the link, stops every subscription and fails in-flight
// calls. After a link failure it acknowledges the failure and moves the
// session back to StateDisconnected. On a session that is already
// disconnected it returns ErrNotConnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	st := s.State()
	if st == StateDisconnected || st == StateConnecting {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.teardown(conn, nil)
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteTimeout))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.wg.Wait()
	s.setState(StateDisconnected)
	s.logger.Info("disconnected")
	return nil
}

// teardown detaches conn from the session, stops subscriptions and wakes
// pending callers. Only the first caller for a given conn does the work.
func (s *Session) teardown(conn *websocket.Conn, cause error) bool {
	s.mu.Lock()
	if s.conn != conn || conn == nil {
		s.mu.Unlock()
		return false
	}
	subs := s.subs
	done := s.done
	s.conn = nil
	s.subs = nil
	s.pending = nil
	s.advertised = nil
	if cause != nil {
		s.setState(StateFailed)
	}
	s.mu.Unlock()

	close(done)
	for _, sub := range subs {
		sub.stop()
	}
	return true
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if s.teardown(conn, err) {
				s.logger.Error("link lost", "error", err)
				_ = conn.Close()
			}
			return
		}

		var in inbound
		switch kind {
		case websocket.BinaryMessage:
			in, err = parseBinary(data)
		default:
			in, err = parseText(data)
		}
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}
		s.route(in)
	}
}

func (s *Session) route(in inbound) {
	switch in.op {
	case "publish":
		s.mu.Lock()
		var targets []*Subscription
		for _, sub := range s.subs {
			if sub.topic == in.topic {
				targets = append(targets, sub)
			}
		}
		s.mu.Unlock()
		for _, sub := range targets {
			sub.offer(in.msg)
		}

	case "service_response":
		s.mu.Lock()
		ch, ok := s.pending[in.id]
		delete(s.pending, in.id)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("response for unknown call", "id", in.id, "service", in.service)
			return
		}
		ch <- reply{values: in.values, result: in.result}

	case "status":
		text := in.msg.text()
		switch in.level {
		case "error":
			s.logger.Error("server status", "id", in.id, "msg", text)
		case "warning":
			s.logger.Warn("server status", "id", in.id, "msg", text)
		default:
			s.logger.Debug("server status", "level", in.level, "id", in.id, "msg", text)
		}

	default:
		s.logger.Debug("ignoring op", "op", in.op)
	}
}

func (s *Session) nextID(kind, name string) string {
	return fmt.Sprintf("%s:%s:%d", kind, name, s.seq.Add(1))
}

// send writes one JSON operation.
func (s *Session) send(op any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode op: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Service returns a handle for calling a ROS service.
func (s *Session) Service(name, srvType string) *Service {
	return &Service{session: s, name: name, srvType: srvType}
}

// Topic returns a handle for publishing to or subscribing to a ROS topic.
func (s *Session) Topic(name, msgType string) *Topic {
	return &Topic{session: s, name: name, msgType: msgType}
}
