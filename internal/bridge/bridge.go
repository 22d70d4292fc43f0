// Package bridge is the multiplexer at the center of the agent: the single
// owner of the serial Session. One goroutine pulls decoded messages off the
// serial event stream, fans telemetry out to subscribers, and tracks
// outstanding command requests until they resolve by ack, timeout or link
// loss. All other components talk to the session exclusively through
// channels; nothing here is reachable by shared mutable memory.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/battswap/serial-agent/internal/frame"
	"github.com/battswap/serial-agent/internal/logging"
	"github.com/battswap/serial-agent/internal/message"
	"github.com/battswap/serial-agent/internal/metrics"
	"github.com/battswap/serial-agent/internal/serial"
)

// ErrClosed is returned by Submit after the bridge loop has exited.
var ErrClosed = errors.New("bridge: closed")

// Link is the serial channel surface the bridge consumes.
type Link interface {
	Events() <-chan serial.Event
	Write([]byte) error
}

// Resolution is the terminal result of one command request, delivered exactly
// once to the submitter.
type Resolution struct {
	Outcome message.Outcome
	Detail  map[string]any
}

type submitReq struct {
	id      message.CommandID
	name    string
	wire    []byte
	timeout time.Duration
	res     chan Resolution // buffered 1; loop sends at most once
}

type pendingCmd struct {
	name     string
	deadline time.Time
	res      chan Resolution
}

type ctrlOp uint8

const (
	ctrlSubscribe ctrlOp = iota + 1
	ctrlUnsubscribe
)

type ctrlMsg struct {
	op  ctrlOp
	sub *Subscriber
}

const (
	defaultCommandTimeout = 5 * time.Second
	defaultSweepInterval  = 20 * time.Millisecond
	defaultSubscriberBuf  = 256
	ctrlBuf               = 16
)

// Bridge owns one Session: connection epoch, last-seen sequence number,
// subscriber set and pending-request table. State is mutated only by the Run
// goroutine.
type Bridge struct {
	link   Link
	codec  frame.Codec
	logger *slog.Logger

	cmdTimeout    time.Duration
	sweepInterval time.Duration
	subBuf        int

	submitCh chan submitReq
	ctrlCh   chan ctrlMsg
	done     chan struct{}

	// Session state owned by the Run goroutine; up is mirrored atomically
	// for observers.
	acc     bytes.Buffer
	epoch   uint64
	up      atomic.Bool
	lastSeq uint32
	haveSeq bool
	subs    map[*Subscriber]struct{}
	pending map[message.CommandID]*pendingCmd
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCommandTimeout sets the default per-request resolution deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.cmdTimeout = d
		}
	}
}

// WithSweepInterval sets how often pending deadlines are checked.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.sweepInterval = d
		}
	}
}

// WithSubscriberBuffer sets the default bounded queue size for subscribers.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.subBuf = n
		}
	}
}

func New(link Link, opts ...Option) *Bridge {
	b := &Bridge{
		link:          link,
		logger:        logging.L(),
		cmdTimeout:    defaultCommandTimeout,
		sweepInterval: defaultSweepInterval,
		subBuf:        defaultSubscriberBuf,
		submitCh:      make(chan submitReq),
		ctrlCh:        make(chan ctrlMsg, ctrlBuf),
		done:          make(chan struct{}),
		subs:          make(map[*Subscriber]struct{}),
		pending:       make(map[message.CommandID]*pendingCmd),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Submit serializes req and hands it to the bridge loop. Requests are
// transmitted to the device in submission order. The returned channel
// delivers exactly one Resolution; it is never closed without one.
func (b *Bridge) Submit(ctx context.Context, req message.CommandRequest) (<-chan Resolution, error) {
	return b.SubmitTimeout(ctx, req, 0)
}

// SubmitTimeout is Submit with a per-request deadline override (0 means the
// bridge default).
func (b *Bridge) SubmitTimeout(ctx context.Context, req message.CommandRequest, timeout time.Duration) (<-chan Resolution, error) {
	wire, err := message.Serialize(req)
	if err != nil {
		return nil, err
	}
	sr := submitReq{
		id:      req.ID,
		name:    req.Name,
		wire:    frame.Encode(wire),
		timeout: timeout,
		res:     make(chan Resolution, 1),
	}
	select {
	case b.submitCh <- sr:
		return sr.res, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a telemetry consumer with a bounded queue. buf <= 0
// uses the bridge default. Safe to call before Run starts.
func (b *Bridge) Subscribe(name string, buf int) *Subscriber {
	if buf <= 0 {
		buf = b.subBuf
	}
	s := &Subscriber{
		name:   name,
		Out:    make(chan TelemetryEvent, buf),
		Closed: make(chan struct{}),
	}
	select {
	case b.ctrlCh <- ctrlMsg{op: ctrlSubscribe, sub: s}:
	case <-b.done:
		s.Close()
	}
	return s
}

// Unsubscribe removes and closes a subscriber; safe to call multiple times.
func (b *Bridge) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	select {
	case b.ctrlCh <- ctrlMsg{op: ctrlUnsubscribe, sub: s}:
	case <-b.done:
		s.Close()
	}
}

// Connected reports whether the bridge has a live device session.
func (b *Bridge) Connected() bool { return b.up.Load() }

// Run executes the bridge loop until ctx is cancelled. On exit all pending
// requests resolve LinkLost and all subscribers are closed.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-b.link.Events():
			b.handleLinkEvent(ev)
		case sr := <-b.submitCh:
			b.handleSubmit(sr)
		case cm := <-b.ctrlCh:
			b.handleCtrl(cm)
		case now := <-ticker.C:
			b.sweepDeadlines(now)
		case <-ctx.Done():
			b.resolveAll(message.OutcomeLinkLost)
			for s := range b.subs {
				s.Close()
			}
			b.subs = map[*Subscriber]struct{}{}
			metrics.SetSubscribers(0)
			return nil
		}
	}
}

func (b *Bridge) handleLinkEvent(ev serial.Event) {
	switch ev.Kind {
	case serial.EventConnected:
		b.epoch = ev.Epoch
		b.up.Store(true)
		b.haveSeq = false
		b.acc.Reset()
		b.logger.Info("session_started", "epoch", ev.Epoch)
	case serial.EventData:
		b.acc.Write(ev.Data)
		b.codec.DecodeStream(&b.acc, func(payload []byte, err error) {
			if err != nil {
				// Counted by the frame codec; Empty is routine device noise.
				if errors.Is(err, frame.ErrCorrupt) {
					b.logger.Warn("frame_corrupt", "epoch", b.epoch)
				} else {
					b.logger.Debug("frame_empty", "epoch", b.epoch)
				}
				return
			}
			msg, derr := message.Deserialize(payload)
			if derr != nil {
				metrics.IncCodecError(message.ErrorKind(derr))
				b.logger.Warn("message_decode_error", "error", derr, "epoch", b.epoch)
				return
			}
			b.dispatch(msg)
		})
	case serial.EventDisconnected:
		b.up.Store(false)
		b.acc.Reset()
		b.logger.Info("session_ended", "epoch", ev.Epoch, "error", ev.Err)
		b.resolveAll(message.OutcomeLinkLost)
	}
}

func (b *Bridge) dispatch(msg message.Message) {
	switch m := msg.(type) {
	case message.Telemetry:
		b.handleTelemetry(m)
	case message.CommandAck:
		b.handleAck(m)
	default:
		// The device never originates command requests; drop defensively.
		b.logger.Warn("unexpected_message", "kind", msg.Kind().String())
	}
}

func (b *Bridge) handleTelemetry(t message.Telemetry) {
	if b.haveSeq {
		switch {
		case t.Seq > b.lastSeq+1:
			gap := int(t.Seq - b.lastSeq)
			metrics.AddTelemetryDropped(gap)
			b.logger.Warn("sequence_gap", "epoch", b.epoch, "last", b.lastSeq, "seq", t.Seq, "dropped", gap)
		case t.Seq <= b.lastSeq:
			// Sequence went backwards without a disconnect: device rebooted
			// faster than the link dropped. Re-baseline, no gap accounting.
			b.logger.Warn("sequence_reset", "epoch", b.epoch, "last", b.lastSeq, "seq", t.Seq)
		}
	}
	b.lastSeq = t.Seq
	b.haveSeq = true
	metrics.IncTelemetry()
	b.fanout(TelemetryEvent{Epoch: b.epoch, Record: t})
}

// fanout delivers to every live subscriber, dropping the newest event on a
// full queue. Publication never blocks on a slow consumer.
func (b *Bridge) fanout(ev TelemetryEvent) {
	metrics.SetBroadcastFanout(len(b.subs))
	maxDepth, sum := 0, 0
	for s := range b.subs {
		select {
		case <-s.Closed:
			delete(b.subs, s)
			metrics.SetSubscribers(len(b.subs))
			continue
		default:
		}
		d := len(s.Out)
		if d > maxDepth {
			maxDepth = d
		}
		sum += d
		select {
		case s.Out <- ev:
		default:
			metrics.IncSubscriberDrop()
		}
	}
	if n := len(b.subs); n > 0 {
		metrics.SetQueueDepth(maxDepth, sum/n)
	}
}

func (b *Bridge) handleAck(a message.CommandAck) {
	p, ok := b.pending[a.ID]
	if !ok {
		// Late or duplicate ack for an already-resolved request. Terminal
		// states are final: log and discard, never double-deliver.
		metrics.IncUnmatchedAck()
		b.logger.Debug("unmatched_ack", "id", a.ID.String(), "outcome", a.Outcome.String())
		return
	}
	delete(b.pending, a.ID)
	p.res <- Resolution{Outcome: a.Outcome, Detail: a.Detail}
	metrics.IncCommandResolved(a.Outcome.String())
	b.logger.Debug("command_resolved", "id", a.ID.String(), "name", p.name, "outcome", a.Outcome.String())
}

func (b *Bridge) handleSubmit(sr submitReq) {
	if !b.up.Load() {
		sr.res <- Resolution{Outcome: message.OutcomeLinkLost}
		metrics.IncCommandResolved(message.OutcomeLinkLost.String())
		return
	}
	if err := b.link.Write(sr.wire); err != nil {
		outcome := message.OutcomeFailure
		detail := map[string]any{"error": err.Error()}
		if errors.Is(err, serial.ErrLinkLost) {
			outcome = message.OutcomeLinkLost
			detail = nil
		}
		sr.res <- Resolution{Outcome: outcome, Detail: detail}
		metrics.IncCommandResolved(outcome.String())
		b.logger.Warn("command_tx_failed", "id", sr.id.String(), "name", sr.name, "error", err)
		return
	}
	timeout := sr.timeout
	if timeout <= 0 {
		timeout = b.cmdTimeout
	}
	b.pending[sr.id] = &pendingCmd{
		name:     sr.name,
		deadline: time.Now().Add(timeout),
		res:      sr.res,
	}
	metrics.IncCommandSubmitted()
}

func (b *Bridge) handleCtrl(cm ctrlMsg) {
	switch cm.op {
	case ctrlSubscribe:
		b.subs[cm.sub] = struct{}{}
		b.logger.Info("subscriber_added", "name", cm.sub.name, "buffer", cap(cm.sub.Out))
	case ctrlUnsubscribe:
		if _, ok := b.subs[cm.sub]; ok {
			delete(b.subs, cm.sub)
			b.logger.Info("subscriber_removed", "name", cm.sub.name)
		}
		cm.sub.Close()
	}
	metrics.SetSubscribers(len(b.subs))
}

func (b *Bridge) sweepDeadlines(now time.Time) {
	for id, p := range b.pending {
		if now.Before(p.deadline) {
			continue
		}
		delete(b.pending, id)
		p.res <- Resolution{Outcome: message.OutcomeTimeout}
		metrics.IncCommandResolved(message.OutcomeTimeout.String())
		b.logger.Warn("command_timeout", "id", id.String(), "name", p.name)
	}
}

// resolveAll terminates every pending request with the given outcome.
func (b *Bridge) resolveAll(outcome message.Outcome) {
	for id, p := range b.pending {
		delete(b.pending, id)
		p.res <- Resolution{Outcome: outcome}
		metrics.IncCommandResolved(outcome.String())
		b.logger.Info("command_aborted", "id", id.String(), "name", p.name, "outcome", outcome.String())
	}
}
