package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/battswap/serial-agent/internal/bridge"
	"github.com/battswap/serial-agent/internal/serial"
)

// initSession builds the serial channel and the bridge on top of it, and
// starts both loops.
func initSession(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*serial.Channel, *bridge.Bridge) {
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ch := serial.NewChannel(ctx, cfg.serialDev, cfg.baud, cfg.serialReadTO,
		serial.WithLogger(l))
	b := bridge.New(ch,
		bridge.WithLogger(l),
		bridge.WithCommandTimeout(cfg.cmdTimeout),
		bridge.WithSubscriberBuffer(cfg.subBuffer))
	l.Info("session_config",
		"device", cfg.serialDev,
		"baud", cfg.baud,
		"command_timeout", cfg.cmdTimeout,
		"subscriber_buffer", cfg.subBuffer)

	wg.Add(2)
	go func() { defer wg.Done(); _ = ch.Run(ctx) }()
	go func() { defer wg.Done(); _ = b.Run(ctx) }()
	return ch, b
}
