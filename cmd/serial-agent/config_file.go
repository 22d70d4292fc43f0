package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file shape. Pointer fields distinguish
// "absent" from zero values; absent keys leave defaults untouched.
type fileConfig struct {
	Serial             *string `yaml:"serial"`
	Baud               *int    `yaml:"baud"`
	SerialReadTimeout  *string `yaml:"serial_read_timeout"`
	Listen             *string `yaml:"listen"`
	LogFormat          *string `yaml:"log_format"`
	LogLevel           *string `yaml:"log_level"`
	MetricsAddr        *string `yaml:"metrics_addr"`
	SubscriberBuffer   *int    `yaml:"subscriber_buffer"`
	CommandTimeout     *string `yaml:"command_timeout"`
	MaxClients         *int    `yaml:"max_clients"`
	LogMetricsInterval *string `yaml:"log_metrics_interval"`
	MDNSEnable         *bool   `yaml:"mdns_enable"`
	MDNSName           *string `yaml:"mdns_name"`
	TraceExporter      *string `yaml:"trace_exporter"`
}

func parseFileDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// applyFileConfig loads a YAML file into cfg. Flags explicitly set on the
// command line keep their values; environment overrides are applied after
// this and also win over the file.
func applyFileConfig(c *appConfig, path string, set map[string]struct{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if _, ok := set["serial"]; !ok && fc.Serial != nil {
		c.serialDev = *fc.Serial
	}
	if _, ok := set["baud"]; !ok && fc.Baud != nil {
		c.baud = *fc.Baud
	}
	if _, ok := set["serial-read-timeout"]; !ok && fc.SerialReadTimeout != nil {
		d, err := parseFileDuration("serial_read_timeout", *fc.SerialReadTimeout)
		if err != nil {
			return err
		}
		c.serialReadTO = d
	}
	if _, ok := set["listen"]; !ok && fc.Listen != nil {
		c.listenAddr = *fc.Listen
	}
	if _, ok := set["log-format"]; !ok && fc.LogFormat != nil {
		c.logFormat = *fc.LogFormat
	}
	if _, ok := set["log-level"]; !ok && fc.LogLevel != nil {
		c.logLevel = *fc.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && fc.MetricsAddr != nil {
		c.metricsAddr = *fc.MetricsAddr
	}
	if _, ok := set["subscriber-buffer"]; !ok && fc.SubscriberBuffer != nil {
		c.subBuffer = *fc.SubscriberBuffer
	}
	if _, ok := set["command-timeout"]; !ok && fc.CommandTimeout != nil {
		d, err := parseFileDuration("command_timeout", *fc.CommandTimeout)
		if err != nil {
			return err
		}
		c.cmdTimeout = d
	}
	if _, ok := set["max-clients"]; !ok && fc.MaxClients != nil {
		c.maxClients = *fc.MaxClients
	}
	if _, ok := set["log-metrics-interval"]; !ok && fc.LogMetricsInterval != nil {
		d, err := parseFileDuration("log_metrics_interval", *fc.LogMetricsInterval)
		if err != nil {
			return err
		}
		c.logMetricsEvery = d
	}
	if _, ok := set["mdns-enable"]; !ok && fc.MDNSEnable != nil {
		c.mdnsEnable = *fc.MDNSEnable
	}
	if _, ok := set["mdns-name"]; !ok && fc.MDNSName != nil {
		c.mdnsName = *fc.MDNSName
	}
	if _, ok := set["trace-exporter"]; !ok && fc.TraceExporter != nil {
		c.traceExporter = *fc.TraceExporter
	}
	return nil
}
