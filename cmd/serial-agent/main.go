package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/battswap/serial-agent/internal/export"
	"github.com/battswap/serial-agent/internal/gateway"
	"github.com/battswap/serial-agent/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("serial-agent %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	shutdownTracing, err := export.SetupTracing(ctx, export.TraceConfig{
		Enabled:  cfg.traceExporter != "",
		Exporter: cfg.traceExporter,
	})
	if err != nil {
		l.Error("tracer_init_error", "error", err)
		return
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	ch, b := initSession(ctx, cfg, l, &wg)

	if cfg.traceExporter != "" && cfg.traceExporter != "noop" {
		sub := b.Subscribe("trace-export", 0)
		te := export.NewTraceExporter(sub, export.WithTraceLogger(l))
		wg.Add(1)
		go func() { defer wg.Done(); te.Run(ctx) }()
	}
	if cfg.metricsAddr != "" {
		sub := b.Subscribe("prom-export", 0)
		pe := export.NewPromExporter(sub)
		wg.Add(1)
		go func() { defer wg.Done(); pe.Run(ctx) }()
	}

	srv := gateway.NewServer(b,
		gateway.WithListenAddr(cfg.listenAddr),
		gateway.WithMaxClients(cfg.maxClients),
		gateway.WithCommandTimeout(cfg.cmdTimeout),
		gateway.WithResetter(ch),
		gateway.WithVersion(version),
		gateway.WithLogger(l),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("gateway_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once the gateway listener is bound.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		var portNum int
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when the gateway listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
}
