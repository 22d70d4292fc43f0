package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/battswap/serial-agent/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames", snap.Frames,
					"corrupt_frames", snap.CorruptFrames,
					"messages_tx", snap.MessagesTx,
					"telemetry", snap.Telemetry,
					"telemetry_dropped", snap.TelemetryDropped,
					"reconnects", snap.Reconnects,
					"subscriber_drops", snap.SubscriberDrops,
					"commands_submitted", snap.CommandsSubmitted,
					"commands_resolved", snap.CommandsResolved,
					"unmatched_acks", snap.UnmatchedAcks,
					"gateway_clients", snap.GatewayClients,
					"gateway_rx", snap.GatewayRx,
					"gateway_tx", snap.GatewayTx,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
