package export

import (
	"context"
	"log/slog"

	"github.com/battswap/serial-agent/internal/bridge"
	"github.com/battswap/serial-agent/internal/logging"
	"github.com/battswap/serial-agent/internal/metrics"
)

// PromExporter mirrors the latest telemetry values into the Prometheus
// exposition, one gauge series per field.
type PromExporter struct {
	sub    *bridge.Subscriber
	logger *slog.Logger
}

func NewPromExporter(sub *bridge.Subscriber) *PromExporter {
	return &PromExporter{sub: sub, logger: logging.L()}
}

// Run drains the subscriber until ctx ends or the subscriber is closed.
func (e *PromExporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.sub.Closed:
			return
		case ev := <-e.sub.Out:
			for id, v := range ev.Record.Fields {
				metrics.ObserveField(id.String(), v.Number())
			}
		}
	}
}
