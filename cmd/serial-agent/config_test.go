package main

import (
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		serialDev:    "/dev/null",
		baud:         115200,
		serialReadTO: 10 * time.Millisecond,
		listenAddr:   ":8700",
		logFormat:    "text",
		logLevel:     "info",
		subBuffer:    8,
		cmdTimeout:   time.Second,
		maxClients:   0,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badTraceExporter", func(c *appConfig) { c.traceExporter = "jaeger" }},
		{"emptySerial", func(c *appConfig) { c.serialDev = "" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badSubBuf", func(c *appConfig) { c.subBuffer = 0 }},
		{"badCmdTimeout", func(c *appConfig) { c.cmdTimeout = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
