package chrome

import (
	"errors"
	"strings"
	"time"
)

// Config controls how the Chrome adapter launches and drives pages.
type Config struct {
	// Bin is the Chrome executable; empty lets the launcher resolve one.
	Bin string
	// ControlURL attaches to an already running browser instead of launching.
	ControlURL        string
	Headless          bool
	Flags             []string
	UserAgent         string
	Locale            string
	Timezone          string
	IgnoreCertErrors  bool
	NavigationTimeout time.Duration
	CaptureTimeout    time.Duration
	OperationTimeout  time.Duration
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Headless: true,
		Flags: []string{
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
		},
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		IgnoreCertErrors:  true,
		NavigationTimeout: 30 * time.Second,
		CaptureTimeout:    5 * time.Second,
		OperationTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	defaults.Headless = c.Headless
	defaults.IgnoreCertErrors = c.IgnoreCertErrors
	if strings.TrimSpace(c.Bin) != "" {
		defaults.Bin = c.Bin
	}
	if strings.TrimSpace(c.ControlURL) != "" {
		defaults.ControlURL = c.ControlURL
	}
	if len(c.Flags) > 0 {
		defaults.Flags = append([]string(nil), c.Flags...)
	}
	if c.UserAgent != "" {
		defaults.UserAgent = c.UserAgent
	}
	if c.Locale != "" {
		defaults.Locale = c.Locale
	}
	if c.Timezone != "" {
		defaults.Timezone = c.Timezone
	}
	if c.NavigationTimeout != 0 {
		defaults.NavigationTimeout = c.NavigationTimeout
	}
	if c.CaptureTimeout != 0 {
		defaults.CaptureTimeout = c.CaptureTimeout
	}
	if c.OperationTimeout != 0 {
		defaults.OperationTimeout = c.OperationTimeout
	}
	return defaults
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if c.NavigationTimeout < 0 || c.CaptureTimeout < 0 || c.OperationTimeout < 0 {
		return errors.New("timeouts must be zero or positive")
	}
	for _, flag := range c.Flags {
		if strings.TrimSpace(strings.TrimLeft(flag, "-")) == "" {
			return errors.New("empty chrome flag")
		}
	}
	return nil
}
