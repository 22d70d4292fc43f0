// Package gateway exposes the agent to fleet-monitoring clients over a
// websocket endpoint: command submission with correlated results and a
// subscribable telemetry stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/battswap/serial-agent/internal/bridge"
	"github.com/battswap/serial-agent/internal/logging"
	"github.com/battswap/serial-agent/internal/message"
	"github.com/battswap/serial-agent/internal/metrics"
)

// ErrListen is returned when the gateway cannot bind its address.
var ErrListen = errors.New("gateway: listen")

// Bridge is the session surface the gateway drives.
type Bridge interface {
	SubmitTimeout(ctx context.Context, req message.CommandRequest, timeout time.Duration) (<-chan bridge.Resolution, error)
	Subscribe(name string, buf int) *bridge.Subscriber
	Unsubscribe(s *bridge.Subscriber)
}

// DeviceResetter pulses the device reset line. Implemented by the serial
// channel; the reset command never reaches the firmware.
type DeviceResetter interface {
	ResetDevice() error
}

const (
	defaultSendBuf      = 64
	defaultWriteTimeout = 5 * time.Second
)

// clientConn tracks one websocket client.
type clientConn struct {
	id     uint64
	ws     *websocket.Conn
	sendCh chan outFrame
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once

	subMu sync.Mutex
	sub   *bridge.Subscriber
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server accepts websocket clients and mediates between them and the bridge.
type Server struct {
	bridge   Bridge
	resetter DeviceResetter

	addr       string
	maxClients int
	cmdTimeout time.Duration
	version    string
	logger     *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}

	mu        sync.Mutex
	boundAddr string
	httpSrv   *http.Server

	clients    sync.Map // conn id -> *clientConn
	nextConnID atomic.Uint64
	nClients   atomic.Int64
}

type ServerOption func(*Server)

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithVersion(v string) ServerOption    { return func(s *Server) { s.version = v } }

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

// WithCommandTimeout bounds how long a submitted command may stay pending.
func WithCommandTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.cmdTimeout = d
		}
	}
}

func WithResetter(r DeviceResetter) ServerOption { return func(s *Server) { s.resetter = r } }

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(b Bridge, opts ...ServerOption) *Server {
	s := &Server{
		bridge:  b,
		addr:    ":0",
		readyCh: make(chan struct{}),
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Addr returns the bound listen address; valid once Ready is closed.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve accepts websocket clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		metrics.IncError(metrics.ErrGatewayAccept)
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}
	srv := s.httpSrv
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("gateway_listen", "addr", s.Addr())

	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// Shutdown closes all clients and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		_ = cc.ws.Close(websocket.StatusGoingAway, "shutting down")
		s.clients.Delete(key)
		return true
	})
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.maxClients > 0 && int(s.nClients.Load()) >= s.maxClients {
		s.logger.Warn("gateway_reject_max", "max_clients", s.maxClients, "remote", r.RemoteAddr)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	// Fleet clients are machine peers, not browsers; origin checks do not apply.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		metrics.IncError(metrics.ErrGatewayAccept)
		s.logger.Warn("gateway_accept_failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	connID := s.nextConnID.Add(1)
	cc := &clientConn{
		id:     connID,
		ws:     ws,
		sendCh: make(chan outFrame, defaultSendBuf),
		done:   make(chan struct{}),
		logger: s.logger.With("conn_id", connID, "remote", r.RemoteAddr),
	}
	s.clients.Store(connID, cc)
	metrics.SetGatewayClients(int(s.nClients.Add(1)))
	cc.logger.Info("gateway_client_connected")

	cc.enqueue(outFrame{Type: FrameHello, Version: s.version, Commands: CommandNames()})

	go s.writeLoop(cc)
	s.readLoop(ctx, cc)

	cc.close()
	s.dropSubscription(cc)
	s.clients.Delete(connID)
	metrics.SetGatewayClients(int(s.nClients.Add(-1)))
	_ = ws.Close(websocket.StatusNormalClosure, "")
	cc.logger.Info("gateway_client_disconnected")
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}
		var f inFrame
		if err := wsjson.Read(ctx, cc.ws, &f); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				metrics.IncError(metrics.ErrGatewayRead)
			}
			return
		}
		metrics.IncGatewayRx()
		switch f.Type {
		case FrameCommand:
			s.handleCommand(ctx, cc, f)
		case FrameSubscribe:
			s.handleSubscribe(cc)
		default:
			cc.enqueue(outFrame{Type: FrameError, ID: f.ID, Error: fmt.Sprintf("unknown frame type %q", f.Type)})
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case f := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
			err := wsjson.Write(ctx, cc.ws, f)
			cancel()
			if err != nil {
				metrics.IncError(metrics.ErrGatewayWrite)
				return
			}
			metrics.IncGatewayTx()
		}
	}
}

// handleCommand validates and submits one command. Submission happens on the
// read loop so a client's commands reach the device in the order it sent
// them; only the wait for the resolution is concurrent.
func (s *Server) handleCommand(ctx context.Context, cc *clientConn, f inFrame) {
	spec, err := validateCommand(f.Name, f.Args)
	if err != nil {
		cc.enqueue(outFrame{Type: FrameResult, ID: f.ID, Outcome: message.OutcomeFailure.String(), Error: err.Error()})
		return
	}
	if spec.local {
		s.handleLocalCommand(cc, f)
		return
	}

	req := message.CommandRequest{
		ID:   ulid.Make(),
		Name: f.Name,
		Args: deviceArgs(f.Args),
	}
	res, err := s.bridge.SubmitTimeout(ctx, req, s.cmdTimeout)
	if err != nil {
		cc.enqueue(outFrame{Type: FrameResult, ID: f.ID, Outcome: message.OutcomeFailure.String(), Error: err.Error()})
		return
	}
	cc.logger.Debug("command_submitted", "id", req.ID.String(), "name", f.Name, "client_id", f.ID)
	go func() {
		select {
		case r := <-res:
			cc.enqueue(outFrame{Type: FrameResult, ID: f.ID, Outcome: r.Outcome.String(), Detail: r.Detail})
		case <-cc.done:
			// Client gone; the bridge still resolves, nobody is listening.
		}
	}()
}

func (s *Server) handleLocalCommand(cc *clientConn, f inFrame) {
	if s.resetter == nil {
		cc.enqueue(outFrame{Type: FrameResult, ID: f.ID, Outcome: message.OutcomeFailure.String(), Error: "reset not available"})
		return
	}
	if err := s.resetter.ResetDevice(); err != nil {
		cc.enqueue(outFrame{Type: FrameResult, ID: f.ID, Outcome: message.OutcomeFailure.String(), Error: err.Error()})
		return
	}
	cc.logger.Info("device_reset_requested")
	cc.enqueue(outFrame{Type: FrameResult, ID: f.ID, Outcome: message.OutcomeSuccess.String()})
}

func (s *Server) handleSubscribe(cc *clientConn) {
	cc.subMu.Lock()
	defer cc.subMu.Unlock()
	if cc.sub != nil {
		return
	}
	sub := s.bridge.Subscribe(fmt.Sprintf("gateway-%d", cc.id), 0)
	cc.sub = sub
	cc.logger.Info("telemetry_subscribed")
	go func() {
		for {
			select {
			case <-cc.done:
				return
			case <-sub.Closed:
				return
			case ev := <-sub.Out:
				cc.enqueue(telemetryFrame(ev))
			}
		}
	}()
}

func (s *Server) dropSubscription(cc *clientConn) {
	cc.subMu.Lock()
	sub := cc.sub
	cc.sub = nil
	cc.subMu.Unlock()
	if sub != nil {
		s.bridge.Unsubscribe(sub)
	}
}

// enqueue queues f for the write loop, dropping it when the client cannot
// keep up. Telemetry is lossy by contract; a dropped result surfaces to the
// client as a timeout on its side.
func (cc *clientConn) enqueue(f outFrame) {
	select {
	case cc.sendCh <- f:
	case <-cc.done:
	default:
		cc.logger.Warn("gateway_client_slow", "dropped_type", f.Type)
	}
}

func telemetryFrame(ev bridge.TelemetryEvent) outFrame {
	fields := make(map[string]any, len(ev.Record.Fields))
	for id, v := range ev.Record.Fields {
		fields[id.String()] = v.Interface()
	}
	return outFrame{
		Type:   FrameTelemetry,
		Epoch:  ev.Epoch,
		Seq:    ev.Record.Seq,
		Fields: fields,
	}
}

// deviceArgs converts JSON argument values into their firmware form. Whole
// numbers go out as integers so the CBOR stays compact.
func deviceArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			out[k] = int64(f)
			continue
		}
		out[k] = v
	}
	return out
}
