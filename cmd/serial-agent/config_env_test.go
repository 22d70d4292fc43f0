package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()

	os.Setenv("SERIAL_AGENT_BAUD", "230400")
	os.Setenv("SERIAL_AGENT_MDNS_ENABLE", "true")
	os.Setenv("SERIAL_AGENT_SERIAL_READ_TIMEOUT", "100ms")
	os.Setenv("SERIAL_AGENT_COMMAND_TIMEOUT", "2s")
	os.Setenv("SERIAL_AGENT_TRACE_EXPORTER", "stdout")
	t.Cleanup(func() {
		os.Unsetenv("SERIAL_AGENT_BAUD")
		os.Unsetenv("SERIAL_AGENT_MDNS_ENABLE")
		os.Unsetenv("SERIAL_AGENT_SERIAL_READ_TIMEOUT")
		os.Unsetenv("SERIAL_AGENT_COMMAND_TIMEOUT")
		os.Unsetenv("SERIAL_AGENT_TRACE_EXPORTER")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.cmdTimeout != 2*time.Second {
		t.Fatalf("expected cmdTimeout 2s got %v", base.cmdTimeout)
	}
	if base.traceExporter != "stdout" {
		t.Fatalf("expected traceExporter stdout got %q", base.traceExporter)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	os.Setenv("SERIAL_AGENT_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("SERIAL_AGENT_BAUD") })
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{subBuffer: 256}
	os.Setenv("SERIAL_AGENT_SUBSCRIBER_BUFFER", "notint")
	t.Cleanup(func() { os.Unsetenv("SERIAL_AGENT_SUBSCRIBER_BUFFER") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}
