package serial

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/battswap/serial-agent/internal/logging"
	"github.com/battswap/serial-agent/internal/metrics"
	"github.com/battswap/serial-agent/internal/transport"
)

var (
	// ErrLinkLost is returned by Write while the link is down. Callers decide
	// whether the underlying command should be retried; the channel never
	// queues across a disconnect.
	ErrLinkLost = errors.New("serial: link lost")
	// ErrTxOverflow is returned when the async TX buffer is full.
	ErrTxOverflow = errors.New("serial: tx overflow")
)

// EventKind classifies channel events.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventData
	EventDisconnected
)

// Event is one ordered occurrence on the serial link. Data events carry raw
// bytes; Connected/Disconnected bracket a session identified by Epoch.
type Event struct {
	Kind  EventKind
	Epoch uint64
	Data  []byte
	Err   error
}

const (
	defaultBackoffMin  = 100 * time.Millisecond
	defaultBackoffMax  = 5 * time.Second
	defaultReadBufSize = 4096
	defaultTxQueue     = 256
	defaultEventBuf    = 256
)

// OpenFunc opens a serial port; overridable in tests.
type OpenFunc func(name string, baud int, readTimeout time.Duration) (Port, error)

// Channel owns the physical serial port. It reconnects with bounded
// exponential backoff, assigns each successful connection a new session
// epoch, and fails writes fast while disconnected.
type Channel struct {
	device      string
	baud        int
	readTimeout time.Duration

	open       OpenFunc
	sleep      func(time.Duration)
	backoffMin time.Duration
	backoffMax time.Duration
	readBuf    int

	events chan Event
	logger *slog.Logger
	tx     *transport.AsyncTx

	portMu    sync.Mutex
	port      Port
	connected atomic.Bool
	epoch     atomic.Uint64
}

type ChannelOption func(*Channel)

func WithLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithBackoff(min, max time.Duration) ChannelOption {
	return func(c *Channel) {
		if min > 0 {
			c.backoffMin = min
		}
		if max > 0 {
			c.backoffMax = max
		}
	}
}

func WithReadBufSize(n int) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.readBuf = n
		}
	}
}

// WithOpenFunc replaces the port opener (tests).
func WithOpenFunc(fn OpenFunc) ChannelOption {
	return func(c *Channel) {
		if fn != nil {
			c.open = fn
		}
	}
}

// WithSleepFunc replaces backoff sleeps (tests).
func WithSleepFunc(fn func(time.Duration)) ChannelOption {
	return func(c *Channel) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func NewChannel(ctx context.Context, device string, baud int, readTimeout time.Duration, opts ...ChannelOption) *Channel {
	c := &Channel{
		device:      device,
		baud:        baud,
		readTimeout: readTimeout,
		open:        Open,
		sleep:       time.Sleep,
		backoffMin:  defaultBackoffMin,
		backoffMax:  defaultBackoffMax,
		readBuf:     defaultReadBufSize,
		events:      make(chan Event, defaultEventBuf),
		logger:      logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	c.tx = transport.NewAsyncTx(ctx, defaultTxQueue, c.writePort, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			c.logger.Error("serial_write_error", "error", err)
		},
		OnAfter: metrics.IncMessageTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return ErrTxOverflow
		},
	})
	return c
}

// Events returns the ordered session/data event stream consumed by the
// bridge. Single consumer.
func (c *Channel) Events() <-chan Event { return c.events }

// Epoch returns the current session epoch.
func (c *Channel) Epoch() uint64 { return c.epoch.Load() }

// Connected reports whether the link is currently up.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Write queues p for transmission. Fails fast with ErrLinkLost while
// disconnected and ErrTxOverflow when the TX buffer is full.
func (c *Channel) Write(p []byte) error {
	if !c.connected.Load() {
		return ErrLinkLost
	}
	return c.tx.Send(p)
}

func (c *Channel) writePort(p []byte) error {
	c.portMu.Lock()
	port := c.port
	c.portMu.Unlock()
	if port == nil {
		return ErrLinkLost
	}
	_, err := port.Write(p)
	return err
}

// ResetDevice pulses the device reset by dropping and reopening the port;
// on Arduino-style boards the DTR transition at reopen resets the MCU. The
// read loop observes the close as a disconnect and re-enters the reconnect
// path, so the pulse costs one session epoch.
func (c *Channel) ResetDevice() error {
	c.portMu.Lock()
	port := c.port
	c.portMu.Unlock()
	if port == nil || !c.connected.Load() {
		return ErrLinkLost
	}
	c.logger.Info("device_reset_pulse", "device", c.device)
	return port.Close()
}

// Run owns the connect/read/reconnect cycle until ctx is cancelled. Open
// failures and link losses back off exponentially between attempts.
func (c *Channel) Run(ctx context.Context) error {
	defer c.tx.Close()
	backoff := c.backoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		port, err := c.open(c.device, c.baud, c.readTimeout)
		if err != nil {
			metrics.IncError(metrics.ErrSerialOpen)
			c.logger.Warn("serial_open_failed", "device", c.device, "error", err, "backoff", backoff)
			if !c.sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, c.backoffMax)
			continue
		}
		backoff = c.backoffMin
		epoch := c.epoch.Add(1)
		c.portMu.Lock()
		c.port = port
		c.portMu.Unlock()
		c.connected.Store(true)
		metrics.IncReconnect()
		metrics.SetLinkUp(true)
		metrics.SetSessionEpoch(epoch)
		c.logger.Info("serial_connected", "device", c.device, "baud", c.baud, "epoch", epoch)
		c.emit(ctx, Event{Kind: EventConnected, Epoch: epoch})

		rerr := c.readLoop(ctx, port, epoch)

		c.connected.Store(false)
		c.portMu.Lock()
		c.port = nil
		c.portMu.Unlock()
		_ = port.Close()
		metrics.SetLinkUp(false)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Info("serial_disconnected", "device", c.device, "epoch", epoch, "error", rerr)
		c.emit(ctx, Event{Kind: EventDisconnected, Epoch: epoch, Err: rerr})
		if !c.sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, c.backoffMax)
	}
}

// readLoop pumps bytes until the port fails fatally or ctx ends. Returns the
// error that ended the session.
func (c *Channel) readLoop(ctx context.Context, port Port, epoch uint64) error {
	buf := make([]byte, c.readBuf)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.emit(ctx, Event{Kind: EventData, Epoch: epoch, Data: data})
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil { // shutting down
			return nil
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			return err // device removed, port closed or fatal
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // transient on serial read timeout
		}
		metrics.IncError(metrics.ErrSerialRead)
		return err
	}
}

func (c *Channel) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Channel) sleepCtx(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	c.sleep(d)
	return ctx.Err() == nil
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
