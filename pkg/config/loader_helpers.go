package config

import (
	"os"

	"gopkg.in/yaml.v3"

	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return relayerrors.Wrap(err, relayerrors.ErrCodeConfigParse, "parsing YAML")
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return relayerrors.Wrap(err, relayerrors.ErrCodeConfigParse, "parsing YAML")
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values keep the base, except
// booleans and lists that the raw document sets explicitly.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	// Server
	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if fieldSet(raw, "server", "allowed_origins") {
		base.Server.AllowedOrigins = append([]string(nil), override.Server.AllowedOrigins...)
	}
	if fieldSet(raw, "server", "max_connections") {
		base.Server.MaxConnections = override.Server.MaxConnections
	}
	if fieldSet(raw, "server", "create_rate") {
		base.Server.CreateRate = override.Server.CreateRate
	}
	if override.Server.CreateBurst != 0 {
		base.Server.CreateBurst = override.Server.CreateBurst
	}
	if override.Server.ReadLimitBytes != 0 {
		base.Server.ReadLimitBytes = override.Server.ReadLimitBytes
	}
	if override.Server.ShutdownTimeout != 0 {
		base.Server.ShutdownTimeout = override.Server.ShutdownTimeout
	}

	// Relay
	if override.Relay.IdleTimeout != 0 {
		base.Relay.IdleTimeout = override.Relay.IdleTimeout
	}
	if override.Relay.ReapInterval != 0 {
		base.Relay.ReapInterval = override.Relay.ReapInterval
	}
	if override.Relay.AttachPolicy != "" {
		base.Relay.AttachPolicy = override.Relay.AttachPolicy
	}
	if override.Relay.CloseGrace != 0 {
		base.Relay.CloseGrace = override.Relay.CloseGrace
	}
	if override.Relay.InputFailureThreshold != 0 {
		base.Relay.InputFailureThreshold = override.Relay.InputFailureThreshold
	}
	if override.Relay.DefaultWidth != 0 {
		base.Relay.DefaultWidth = override.Relay.DefaultWidth
	}
	if override.Relay.DefaultHeight != 0 {
		base.Relay.DefaultHeight = override.Relay.DefaultHeight
	}
	if override.Relay.MaxWidth != 0 {
		base.Relay.MaxWidth = override.Relay.MaxWidth
	}
	if override.Relay.MaxHeight != 0 {
		base.Relay.MaxHeight = override.Relay.MaxHeight
	}
	if override.Relay.StartURL != "" {
		base.Relay.StartURL = override.Relay.StartURL
	}

	// Stream
	if override.Stream.Quality != 0 {
		base.Stream.Quality = override.Stream.Quality
	}
	if override.Stream.BaseInterval != 0 {
		base.Stream.BaseInterval = override.Stream.BaseInterval
	}
	if override.Stream.MaxInterval != 0 {
		base.Stream.MaxInterval = override.Stream.MaxInterval
	}
	if override.Stream.SlowSendThreshold != 0 {
		base.Stream.SlowSendThreshold = override.Stream.SlowSendThreshold
	}
	if override.Stream.RetryBackoff != 0 {
		base.Stream.RetryBackoff = override.Stream.RetryBackoff
	}
	if override.Stream.FailureThreshold != 0 {
		base.Stream.FailureThreshold = override.Stream.FailureThreshold
	}
	if override.Stream.WriteTimeout != 0 {
		base.Stream.WriteTimeout = override.Stream.WriteTimeout
	}

	// Browser
	if override.Browser.Driver != "" {
		base.Browser.Driver = override.Browser.Driver
	}
	if override.Browser.Bin != "" {
		base.Browser.Bin = override.Browser.Bin
	}
	if override.Browser.ControlURL != "" {
		base.Browser.ControlURL = override.Browser.ControlURL
	}
	if fieldSet(raw, "browser", "headless") {
		base.Browser.Headless = override.Browser.Headless
	}
	if fieldSet(raw, "browser", "max_instances") {
		base.Browser.MaxInstances = override.Browser.MaxInstances
	}
	if override.Browser.UserAgent != "" {
		base.Browser.UserAgent = override.Browser.UserAgent
	}
	if override.Browser.Locale != "" {
		base.Browser.Locale = override.Browser.Locale
	}
	if override.Browser.Timezone != "" {
		base.Browser.Timezone = override.Browser.Timezone
	}
	if override.Browser.NavigationTimeout != 0 {
		base.Browser.NavigationTimeout = override.Browser.NavigationTimeout
	}
	if override.Browser.CaptureTimeout != 0 {
		base.Browser.CaptureTimeout = override.Browser.CaptureTimeout
	}
	if fieldSet(raw, "browser", "ignore_cert_errors") {
		base.Browser.IgnoreCertErrors = override.Browser.IgnoreCertErrors
	}
	if fieldSet(raw, "browser", "flags") {
		base.Browser.Flags = append([]string(nil), override.Browser.Flags...)
	}

	// Logging
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	// Metrics
	if fieldSet(raw, "metrics", "enabled") {
		base.Metrics.Enabled = override.Metrics.Enabled
	}
	if override.Metrics.Path != "" {
		base.Metrics.Path = override.Metrics.Path
	}

	// Tracing
	if fieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
	if override.Tracing.ServiceName != "" {
		base.Tracing.ServiceName = override.Tracing.ServiceName
	}
	if fieldSet(raw, "tracing", "sample_ratio") {
		base.Tracing.SampleRatio = override.Tracing.SampleRatio
	}
	if override.Tracing.Output != "" {
		base.Tracing.Output = override.Tracing.Output
	}

	// Events
	if fieldSet(raw, "events", "kind") {
		base.Events.Kind = override.Events.Kind
	}
	if override.Events.URL != "" {
		base.Events.URL = override.Events.URL
	}
	if override.Events.SubjectPrefix != "" {
		base.Events.SubjectPrefix = override.Events.SubjectPrefix
	}
	if override.Events.Username != "" {
		base.Events.Username = override.Events.Username
	}
	if override.Events.Password != "" {
		base.Events.Password = override.Events.Password
	}
	if override.Events.Token != "" {
		base.Events.Token = override.Events.Token
	}

	// Storage
	if fieldSet(raw, "storage", "path") {
		base.Storage.Path = override.Storage.Path
	}
	if fieldSet(raw, "storage", "retention") {
		base.Storage.Retention = override.Storage.Retention
	}
}

// fieldSet reports whether the raw YAML document sets the value at path,
// so explicit zero values can override non-zero defaults.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
