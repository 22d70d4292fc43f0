package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/battswap/serial-agent/internal/bridge"
	"github.com/battswap/serial-agent/internal/message"
)

type fakeBridge struct {
	mu   sync.Mutex
	reqs []message.CommandRequest
	res  []chan bridge.Resolution
	subs []*bridge.Subscriber
}

func (f *fakeBridge) SubmitTimeout(_ context.Context, req message.CommandRequest, _ time.Duration) (<-chan bridge.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rc := make(chan bridge.Resolution, 1)
	f.reqs = append(f.reqs, req)
	f.res = append(f.res, rc)
	return rc, nil
}

func (f *fakeBridge) Subscribe(string, int) *bridge.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &bridge.Subscriber{
		Out:    make(chan bridge.TelemetryEvent, 8),
		Closed: make(chan struct{}),
	}
	f.subs = append(f.subs, s)
	return s
}

func (f *fakeBridge) Unsubscribe(s *bridge.Subscriber) {
	if s != nil {
		s.Close()
	}
}

func (f *fakeBridge) lastRequest(t *testing.T) (message.CommandRequest, chan bridge.Resolution) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if n := len(f.reqs); n > 0 {
			req, rc := f.reqs[n-1], f.res[n-1]
			f.mu.Unlock()
			return req, rc
		}
		f.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no command reached the bridge")
	return message.CommandRequest{}, nil
}

type fakeResetter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeResetter) ResetDevice() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func startServer(t *testing.T, fb *fakeBridge, opts ...ServerOption) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	opts = append([]ServerOption{WithListenAddr("127.0.0.1:0")}, opts...)
	s := NewServer(fb, opts...)
	go func() { _ = s.Serve(ctx) }()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	return s
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) outFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f outFrame
	if err := wsjson.Read(ctx, c, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, c *websocket.Conn, f inFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestServer_HelloOnConnect(t *testing.T) {
	s := startServer(t, &fakeBridge{}, WithVersion("1.2.3"))
	c := dial(t, s)

	hello := readFrame(t, c)
	if hello.Type != FrameHello || hello.Version != "1.2.3" {
		t.Fatalf("unexpected hello: %+v", hello)
	}
	found := false
	for _, name := range hello.Commands {
		if name == "swap_battery" {
			found = true
		}
	}
	if !found {
		t.Fatalf("hello missing swap_battery: %v", hello.Commands)
	}
}

func TestServer_CommandRoundTrip(t *testing.T) {
	fb := &fakeBridge{}
	s := startServer(t, fb)
	c := dial(t, s)
	readFrame(t, c) // hello

	writeFrame(t, c, inFrame{Type: FrameCommand, ID: "c-1", Name: "swap_battery", Args: map[string]any{"slot": 2}})

	req, rc := fb.lastRequest(t)
	if req.Name != "swap_battery" {
		t.Fatalf("name = %q", req.Name)
	}
	if req.Args["slot"] != int64(2) {
		t.Fatalf("slot = %v (%T), want int64(2)", req.Args["slot"], req.Args["slot"])
	}
	var zero message.CommandID
	if req.ID == zero {
		t.Fatal("request id not generated")
	}
	rc <- bridge.Resolution{Outcome: message.OutcomeSuccess, Detail: map[string]any{"slot": uint64(2)}}

	result := readFrame(t, c)
	if result.Type != FrameResult || result.ID != "c-1" || result.Outcome != "success" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestServer_CommandValidation(t *testing.T) {
	fb := &fakeBridge{}
	s := startServer(t, fb)
	c := dial(t, s)
	readFrame(t, c) // hello

	writeFrame(t, c, inFrame{Type: FrameCommand, ID: "c-1", Name: "open_pod_bay_doors"})
	result := readFrame(t, c)
	if result.Outcome != "failure" || !strings.Contains(result.Error, "unknown command") {
		t.Fatalf("unexpected result: %+v", result)
	}

	writeFrame(t, c, inFrame{Type: FrameCommand, ID: "c-2", Name: "calibrate_reference_ir"})
	result = readFrame(t, c)
	if result.Outcome != "failure" || !strings.Contains(result.Error, "distance_mm") {
		t.Fatalf("unexpected result: %+v", result)
	}

	writeFrame(t, c, inFrame{Type: FrameCommand, ID: "c-3", Name: "swap_battery", Args: map[string]any{"slot": "two"}})
	result = readFrame(t, c)
	if result.Outcome != "failure" || !strings.Contains(result.Error, "number") {
		t.Fatalf("unexpected result: %+v", result)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.reqs) != 0 {
		t.Fatalf("invalid commands reached the bridge: %d", len(fb.reqs))
	}
}

func TestServer_ResetHandledLocally(t *testing.T) {
	fb := &fakeBridge{}
	rst := &fakeResetter{}
	s := startServer(t, fb, WithResetter(rst))
	c := dial(t, s)
	readFrame(t, c) // hello

	writeFrame(t, c, inFrame{Type: FrameCommand, ID: "c-1", Name: "reset"})
	result := readFrame(t, c)
	if result.Outcome != "success" {
		t.Fatalf("unexpected result: %+v", result)
	}
	rst.mu.Lock()
	defer rst.mu.Unlock()
	if rst.calls != 1 {
		t.Fatalf("resetter calls = %d", rst.calls)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.reqs) != 0 {
		t.Fatal("reset must not reach the device")
	}
}

func TestServer_SubscribeStreamsTelemetry(t *testing.T) {
	fb := &fakeBridge{}
	s := startServer(t, fb)
	c := dial(t, s)
	readFrame(t, c) // hello

	writeFrame(t, c, inFrame{Type: FrameSubscribe})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fb.mu.Lock()
		n := len(fb.subs)
		fb.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	fb.mu.Lock()
	if len(fb.subs) == 0 {
		fb.mu.Unlock()
		t.Fatal("subscribe never reached the bridge")
	}
	sub := fb.subs[0]
	fb.mu.Unlock()

	sub.Out <- bridge.TelemetryEvent{
		Epoch: 3,
		Record: message.Telemetry{
			Seq: 42,
			Fields: map[message.FieldID]message.Value{
				message.FieldStateOfCharge: message.Float(87.5),
				message.FieldSwapState:     message.Uint(2),
			},
		},
	}

	f := readFrame(t, c)
	if f.Type != FrameTelemetry || f.Epoch != 3 || f.Seq != 42 {
		t.Fatalf("unexpected telemetry frame: %+v", f)
	}
	if f.Fields["state_of_charge"] != 87.5 {
		t.Fatalf("state_of_charge = %v", f.Fields["state_of_charge"])
	}
}

func TestServer_DuplicateSubscribeIdempotent(t *testing.T) {
	fb := &fakeBridge{}
	s := startServer(t, fb)
	c := dial(t, s)
	readFrame(t, c) // hello

	writeFrame(t, c, inFrame{Type: FrameSubscribe})
	writeFrame(t, c, inFrame{Type: FrameSubscribe})
	// A third frame type forces an observable response, proving both
	// subscribes were consumed.
	writeFrame(t, c, inFrame{Type: "ping", ID: "c-1"})
	readFrame(t, c)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(fb.subs))
	}
}

func TestServer_MaxClientsRejected(t *testing.T) {
	s := startServer(t, &fakeBridge{}, WithMaxClients(1))
	c := dial(t, s)
	readFrame(t, c) // hello, proves the first client is registered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err == nil {
		t.Fatal("second client accepted past max")
	}
}

func TestServer_UnknownFrameType(t *testing.T) {
	s := startServer(t, &fakeBridge{})
	c := dial(t, s)
	readFrame(t, c) // hello

	writeFrame(t, c, inFrame{Type: "ping", ID: "c-1"})
	f := readFrame(t, c)
	if f.Type != FrameError || f.ID != "c-1" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}
