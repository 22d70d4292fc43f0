package serial

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

type readResult struct {
	data []byte
	err  error
}

type fakePort struct {
	reads chan readResult

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakePort() *fakePort {
	return &fakePort{reads: make(chan readResult, 16)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	r, ok := <-p.reads
	if !ok {
		return 0, &os.PathError{Op: "read", Path: "fake", Err: os.ErrClosed}
	}
	n := copy(b, r.data)
	return n, r.err
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	p.writes = append(p.writes, cp)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.reads)
	}
	return nil
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel event")
		return Event{}
	}
}

func TestChannel_SessionEpochsAcrossReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ports := []*fakePort{newFakePort(), newFakePort()}
	idx := 0
	var mu sync.Mutex
	open := func(string, int, time.Duration) (Port, error) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(ports) {
			return nil, errors.New("no more ports")
		}
		p := ports[idx]
		idx++
		return p, nil
	}

	ch := NewChannel(ctx, "/dev/fake", 115200, 50*time.Millisecond,
		WithOpenFunc(open), WithSleepFunc(func(time.Duration) {}))
	go func() { _ = ch.Run(ctx) }()

	ev := nextEvent(t, ch.Events())
	if ev.Kind != EventConnected || ev.Epoch != 1 {
		t.Fatalf("want Connected epoch 1, got kind=%d epoch=%d", ev.Kind, ev.Epoch)
	}

	ports[0].reads <- readResult{data: []byte{0xAA, 0xBB}}
	ev = nextEvent(t, ch.Events())
	if ev.Kind != EventData || ev.Epoch != 1 || string(ev.Data) != "\xaa\xbb" {
		t.Fatalf("want Data epoch 1, got kind=%d epoch=%d data=% X", ev.Kind, ev.Epoch, ev.Data)
	}

	// Kill the first port: PathError is fatal to the session.
	_ = ports[0].Close()
	ev = nextEvent(t, ch.Events())
	if ev.Kind != EventDisconnected || ev.Epoch != 1 {
		t.Fatalf("want Disconnected epoch 1, got kind=%d epoch=%d", ev.Kind, ev.Epoch)
	}

	ev = nextEvent(t, ch.Events())
	if ev.Kind != EventConnected || ev.Epoch != 2 {
		t.Fatalf("want Connected epoch 2 after reconnect, got kind=%d epoch=%d", ev.Kind, ev.Epoch)
	}
}

func TestChannel_WriteFailsFastWhileDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewChannel(ctx, "/dev/fake", 115200, 50*time.Millisecond)
	if err := ch.Write([]byte{0x01}); !errors.Is(err, ErrLinkLost) {
		t.Fatalf("want ErrLinkLost, got %v", err)
	}
}

func TestChannel_WriteReachesPort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := newFakePort()
	defer port.Close()
	ch := NewChannel(ctx, "/dev/fake", 115200, 50*time.Millisecond,
		WithOpenFunc(func(string, int, time.Duration) (Port, error) { return port, nil }),
		WithSleepFunc(func(time.Duration) {}))
	go func() { _ = ch.Run(ctx) }()

	ev := nextEvent(t, ch.Events())
	if ev.Kind != EventConnected {
		t.Fatalf("want Connected, got %d", ev.Kind)
	}
	if err := ch.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w := port.written(); len(w) == 1 && string(w[0]) == "ping" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("payload never reached port: %v", port.written())
}

func TestChannel_OpenFailureBacksOffBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var sleeps []time.Duration
	attempts := 0
	open := func(string, int, time.Duration) (Port, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n >= 8 {
			cancel()
		}
		return nil, errors.New("device absent")
	}
	ch := NewChannel(ctx, "/dev/fake", 115200, 50*time.Millisecond,
		WithOpenFunc(open),
		WithBackoff(100*time.Millisecond, 500*time.Millisecond),
		WithSleepFunc(func(d time.Duration) {
			mu.Lock()
			sleeps = append(sleeps, d)
			mu.Unlock()
		}))
	done := make(chan struct{})
	go func() { _ = ch.Run(ctx); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sleeps) < 4 {
		t.Fatalf("expected several backoff sleeps, got %v", sleeps)
	}
	if sleeps[0] != 100*time.Millisecond {
		t.Fatalf("first backoff = %v, want 100ms", sleeps[0])
	}
	for i := 1; i < len(sleeps); i++ {
		if sleeps[i] > 500*time.Millisecond {
			t.Fatalf("backoff exceeded cap: %v", sleeps)
		}
		if sleeps[i] < sleeps[i-1] && sleeps[i-1] != 500*time.Millisecond {
			t.Fatalf("backoff shrank before reaching cap: %v", sleeps)
		}
	}
}

func TestChannel_ResetDeviceRequiresLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewChannel(ctx, "/dev/fake", 115200, 50*time.Millisecond)
	if err := ch.ResetDevice(); !errors.Is(err, ErrLinkLost) {
		t.Fatalf("want ErrLinkLost, got %v", err)
	}
}
