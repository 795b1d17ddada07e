package rosbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// fakeServer speaks just enough rosbridge to exercise the client.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan map[string]any

	mu       sync.Mutex
	services map[string]func(args json.RawMessage) (values any, result bool, reply bool)
	writeMu  sync.Mutex
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan map[string]any, 64),
		services: make(map[string]func(json.RawMessage) (any, bool, bool)),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- c
		go fs.serve(c)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) config() Config {
	u, err := url.Parse(fs.srv.URL)
	if err != nil {
		fs.t.Fatalf("parse server url: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 500 * time.Millisecond,
	}
}

func (fs *fakeServer) handle(service string, fn func(args json.RawMessage) (any, bool, bool)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.services[service] = fn
}

func (fs *fakeServer) serve(c *websocket.Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var op map[string]any
		if err := json.Unmarshal(data, &op); err != nil {
			continue
		}
		if op["op"] == "call_service" {
			var raw struct {
				ID      string          `json:"id"`
				Service string          `json:"service"`
				Args    json.RawMessage `json:"args"`
			}
			_ = json.Unmarshal(data, &raw)
			fs.mu.Lock()
			fn := fs.services[raw.Service]
			fs.mu.Unlock()
			if fn != nil {
				values, result, reply := fn(raw.Args)
				if reply {
					fs.sendJSON(c, map[string]any{
						"op":      "service_response",
						"id":      raw.ID,
						"service": raw.Service,
						"values":  values,
						"result":  result,
					})
				}
			}
		}
		select {
		case fs.received <- op:
		default:
		}
	}
}

func (fs *fakeServer) sendJSON(c *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fs.t.Errorf("marshal: %v", err)
		return
	}
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	_ = c.WriteMessage(websocket.TextMessage, data)
}

func (fs *fakeServer) sendCBOR(c *websocket.Conn, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		fs.t.Errorf("marshal cbor: %v", err)
		return
	}
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	_ = c.WriteMessage(websocket.BinaryMessage, data)
}

func (fs *fakeServer) waitConn() *websocket.Conn {
	fs.t.Helper()
	select {
	case c := <-fs.conns:
		fs.t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		fs.t.Fatal("no client connection")
		return nil
	}
}

func (fs *fakeServer) waitOp(op string) map[string]any {
	fs.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-fs.received:
			if m["op"] == op {
				return m
			}
		case <-deadline:
			fs.t.Fatalf("server never received op %q", op)
			return nil
		}
	}
}

func connectedSession(t *testing.T, fs *fakeServer) (*Session, *websocket.Conn) {
	t.Helper()
	s := NewSession(fs.config())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if s.State() != StateDisconnected {
			_ = s.Disconnect()
		}
	})
	return s, fs.waitConn()
}

func TestSession_ConnectLifecycle(t *testing.T) {
	fs := newFakeServer(t)
	s := NewSession(fs.config())

	if s.State() != StateDisconnected {
		t.Fatalf("initial state = %s, want disconnected", s.State())
	}
	if err := s.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Disconnect before Connect = %v, want ErrNotConnected", err)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	if err := s.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state after second Connect = %s, want connected", s.State())
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state after Disconnect = %s, want disconnected", s.State())
	}
	if err := s.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("second Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestSession_ConnectTimeout(t *testing.T) {
	s := NewSession(Config{
		Host:           "192.0.2.1",
		Port:           9090,
		ConnectTimeout: 50 * time.Millisecond,
		Dialer: &websocket.Dialer{
			NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	})

	err := s.Connect(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect error = %v, want *ConnectError", err)
	}
	if !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("Connect error = %v, want ErrConnectTimeout", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}

	// Failed -> Disconnected
	if err := s.Disconnect(); err != nil {
		t.Errorf("Disconnect after failure: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
}

func TestService_Call(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/get_position", func(args json.RawMessage) (any, bool, bool) {
		var req struct {
			ID []int `json:"id"`
		}
		_ = json.Unmarshal(args, &req)
		positions := make([]map[string]int, 0, len(req.ID))
		for _, id := range req.ID {
			positions = append(positions, map[string]int{"id": id, "position": id * 10})
		}
		return map[string]any{"success": true, "position": positions}, true, true
	})
	s, _ := connectedSession(t, fs)

	var resp struct {
		Success  bool `json:"success"`
		Position []struct {
			ID       int `json:"id"`
			Position int `json:"position"`
		} `json:"position"`
	}
	err := s.Service("/get_position", "pkg/GetPosition").
		Call(context.Background(), map[string]any{"id": []int{13, 14}}, &resp)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success || len(resp.Position) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Position[1].ID != 14 || resp.Position[1].Position != 140 {
		t.Errorf("Position[1] = %+v, want {14 140}", resp.Position[1])
	}
}

func TestService_CallFailed(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/broken", func(json.RawMessage) (any, bool, bool) {
		return "controller offline", false, true
	})
	s, _ := connectedSession(t, fs)

	err := s.Service("/broken", "").Call(context.Background(), nil, nil)
	if !errors.Is(err, ErrServiceFailed) {
		t.Fatalf("Call = %v, want ErrServiceFailed", err)
	}
}

func TestService_CallDeadline(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/slow", func(json.RawMessage) (any, bool, bool) {
		return nil, true, false // never replies
	})
	s, _ := connectedSession(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Service("/slow", "").Call(ctx, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Call took %s, deadline not honoured", elapsed)
	}
}

func TestService_CallNotConnected(t *testing.T) {
	s := NewSession(Config{Host: "localhost", Port: 9090})
	err := s.Service("/x", "").Call(context.Background(), nil, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Call = %v, want ErrNotConnected", err)
	}
}

func TestTopic_PublishAdvertisesOnce(t *testing.T) {
	fs := newFakeServer(t)
	s, _ := connectedSession(t, fs)

	topic := s.Topic("/set_position", "pkg/SetPosition")
	for i := 0; i < 2; i++ {
		if err := topic.Publish(map[string]any{"duration": 0.1}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	adv := fs.waitOp("advertise")
	if adv["topic"] != "/set_position" || adv["type"] != "pkg/SetPosition" {
		t.Errorf("advertise = %v", adv)
	}
	fs.waitOp("publish")
	pub := fs.waitOp("publish")
	msg, _ := pub["msg"].(map[string]any)
	if msg["duration"] != 0.1 {
		t.Errorf("publish msg = %v", pub["msg"])
	}

	select {
	case m := <-fs.received:
		t.Errorf("unexpected extra op %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopic_ConcurrentPublishWaitsForAdvertise(t *testing.T) {
	fs := newFakeServer(t)
	s, _ := connectedSession(t, fs)

	const n = 16
	topic := s.Topic("/set_position", "pkg/SetPosition")
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- topic.Publish(map[string]any{"duration": 0.1})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var ops []string
	deadline := time.After(2 * time.Second)
	for len(ops) < n+1 {
		select {
		case m := <-fs.received:
			op, _ := m["op"].(string)
			ops = append(ops, op)
		case <-deadline:
			t.Fatalf("server saw %v, want %d frames", ops, n+1)
		}
	}
	if ops[0] != "advertise" {
		t.Fatalf("first frame = %q, want advertise; frames %v", ops[0], ops)
	}
	for i, op := range ops[1:] {
		if op != "publish" {
			t.Errorf("frame %d = %q, want publish", i+1, op)
		}
	}
}

func TestTopic_PublishRetriesAdvertiseOnNewLink(t *testing.T) {
	fs := newFakeServer(t)
	s, _ := connectedSession(t, fs)

	topic := s.Topic("/set_position", "pkg/SetPosition")
	if err := topic.Publish(map[string]any{"duration": 0.1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	fs.waitOp("advertise")
	fs.waitOp("publish")

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := topic.Publish(map[string]any{"duration": 0.1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish while disconnected = %v, want ErrNotConnected", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fs.waitConn()

	if err := topic.Publish(map[string]any{"duration": 0.1}); err != nil {
		t.Fatalf("Publish after reconnect: %v", err)
	}
	fs.waitOp("advertise")
	fs.waitOp("publish")
}

func TestSubscription_ReplacedCountsEvictions(t *testing.T) {
	sub := &Subscription{mailbox: make(chan Message, 1), quit: make(chan struct{})}

	for i := 0; i < 3; i++ {
		sub.offer(Message{Topic: "/imu", Data: []byte{byte(i)}})
	}
	if got := sub.Replaced(); got != 2 {
		t.Errorf("Replaced = %d, want 2", got)
	}
	if m := <-sub.mailbox; m.Data[0] != 2 {
		t.Errorf("mailbox holds sample %d, want the newest", m.Data[0])
	}

	sub.stop()
	sub.offer(Message{Topic: "/imu"})
	if got := sub.Replaced(); got != 2 {
		t.Errorf("Replaced after stop = %d, want 2", got)
	}
}

func TestTopic_SubscribeJSON(t *testing.T) {
	fs := newFakeServer(t)
	s, conn := connectedSession(t, fs)

	got := make(chan Message, 1)
	_, err := s.Topic("/joy", "sensor_msgs/Joy").Subscribe(func(m Message) { got <- m }, WithThrottleRate(10))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub := fs.waitOp("subscribe")
	if sub["topic"] != "/joy" || sub["throttle_rate"] != float64(10) {
		t.Errorf("subscribe op = %v", sub)
	}

	fs.sendJSON(conn, map[string]any{
		"op":    "publish",
		"topic": "/joy",
		"msg":   map[string]any{"axes": []float64{0.5, -1}, "buttons": []int{1, 0}},
	})

	select {
	case m := <-got:
		var joy struct {
			Axes    []float64 `json:"axes"`
			Buttons []int     `json:"buttons"`
		}
		if err := m.Decode(&joy); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m.Format != FormatJSON || len(joy.Axes) != 2 || joy.Axes[1] != -1 || joy.Buttons[0] != 1 {
			t.Errorf("decoded = %+v (format %s)", joy, m.Format)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sample delivered")
	}
}

func TestTopic_SubscribeCBOR(t *testing.T) {
	fs := newFakeServer(t)
	s, conn := connectedSession(t, fs)

	got := make(chan Message, 1)
	_, err := s.Topic("/camera", "sensor_msgs/CompressedImage").
		Subscribe(func(m Message) { got <- m }, WithCompression("cbor"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if op := fs.waitOp("subscribe"); op["compression"] != "cbor" {
		t.Errorf("subscribe compression = %v", op["compression"])
	}

	payload := []byte{0xff, 0xd8, 0x00, 0x01}
	fs.sendCBOR(conn, map[string]any{
		"op":    "publish",
		"topic": "/camera",
		"msg":   map[string]any{"format": "jpeg", "data": payload},
	})

	select {
	case m := <-got:
		var img struct {
			Format string `json:"format"`
			Data   []byte `json:"data"`
		}
		if err := m.Decode(&img); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m.Format != FormatCBOR || img.Format != "jpeg" || string(img.Data) != string(payload) {
			t.Errorf("decoded = %+v (format %s)", img, m.Format)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sample delivered")
	}
}

func TestSubscription_HandlerPanicKeepsFeed(t *testing.T) {
	fs := newFakeServer(t)
	s, conn := connectedSession(t, fs)

	var calls int
	var mu sync.Mutex
	done := make(chan struct{}, 2)
	_, err := s.Topic("/imu", "").Subscribe(func(Message) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		done <- struct{}{}
		if n == 1 {
			panic("boom")
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fs.waitOp("subscribe")

	for i := 0; i < 2; i++ {
		fs.sendJSON(conn, map[string]any{"op": "publish", "topic": "/imu", "msg": map[string]any{"i": i}})
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("sample %d not delivered", i)
		}
	}
}

func TestSession_DisconnectStopsDelivery(t *testing.T) {
	fs := newFakeServer(t)
	s, conn := connectedSession(t, fs)

	var mu sync.Mutex
	var after bool
	var disconnected bool
	sub, err := s.Topic("/imu", "").Subscribe(func(Message) {
		mu.Lock()
		if disconnected {
			after = true
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fs.waitOp("subscribe")
	fs.sendJSON(conn, map[string]any{"op": "publish", "topic": "/imu", "msg": map[string]any{}})

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	mu.Lock()
	disconnected = true
	mu.Unlock()

	fs.sendJSON(conn, map[string]any{"op": "publish", "topic": "/imu", "msg": map[string]any{}})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if after {
		t.Error("handler ran after Disconnect returned")
	}
	sub.Unsubscribe() // no-op after disconnect

	if err := s.Topic("/x", "").Publish(map[string]any{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestSession_LinkLossFailsPendingCalls(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/hang", func(json.RawMessage) (any, bool, bool) { return nil, true, false })
	s, conn := connectedSession(t, fs)

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errc <- s.Service("/hang", "").Call(ctx, nil, nil)
	}()
	fs.waitOp("call_service")
	conn.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Call = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}

	deadline := time.Now().Add(time.Second)
	for s.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
}
