package bridge

import (
	"sync"

	"github.com/battswap/serial-agent/internal/message"
)

// TelemetryEvent is one telemetry record annotated with the session epoch it
// was observed in. Consumers use epoch changes to detect discontinuities.
type TelemetryEvent struct {
	Epoch  uint64
	Record message.Telemetry
}

// Subscriber is a bounded telemetry consumer. The bridge publishes into Out
// with drop-newest semantics and never blocks on it. Consumers drain Out and
// watch Closed for termination.
type Subscriber struct {
	name string

	Out    chan TelemetryEvent
	Closed chan struct{}

	closeOnce sync.Once
}

// Name returns the label the subscriber registered under.
func (s *Subscriber) Name() string { return s.name }

// Close marks the subscriber dead. Idempotent; the bridge reaps it on the
// next publication.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.Closed) })
}
