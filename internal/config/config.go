// Package config loads hyperchat configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hyperchat/internal/service"
)

// Config holds all hyperchat configuration.
type Config struct {
	// Services are the chat services a new window hosts, in display order.
	Services []service.Descriptor `yaml:"services"`

	// Engine configures the embedded browser engine.
	Engine EngineConfig `yaml:"engine"`

	// Retry configures the load timeout/backoff supervisor.
	Retry RetryConfig `yaml:"retry"`

	// Router configures prompt delivery timing.
	Router RouterConfig `yaml:"router"`
}

// EngineConfig configures the embedded browser engine.
type EngineConfig struct {
	// DebuggerURL attaches to an already-running browser instead of
	// launching one.
	DebuggerURL string `yaml:"debugger_url"`

	// Launch is the browser binary plus extra flags when launching.
	Launch []string `yaml:"launch"`

	Headless            bool `yaml:"headless"`
	ViewportWidth       int  `yaml:"viewport_width"`
	ViewportHeight      int  `yaml:"viewport_height"`
	NavigationTimeoutMs int  `yaml:"navigation_timeout_ms"`
}

// NavigationTimeout returns the engine-level navigation timeout.
func (c EngineConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// GetViewportWidth returns viewport width.
func (c EngineConfig) GetViewportWidth() int {
	if c.ViewportWidth <= 0 {
		return 1440
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c EngineConfig) GetViewportHeight() int {
	if c.ViewportHeight <= 0 {
		return 900
	}
	return c.ViewportHeight
}

// RetryConfig configures the per-session load supervisor.
type RetryConfig struct {
	// TimeoutMs is how long a supervised session may sit in provisional
	// load before the supervisor cancels and retries it.
	TimeoutMs int `yaml:"timeout_ms"`

	// BackoffBaseMs is the base unit for the exponential retry delay:
	// delay = (retryCount+1) * base.
	BackoffBaseMs int `yaml:"backoff_base_ms"`

	// MaxRetries caps automatic retries before a session is marked failed.
	MaxRetries int `yaml:"max_retries"`
}

// Timeout returns the provisional-load timeout.
func (c RetryConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// BackoffBase returns the backoff base unit.
func (c RetryConfig) BackoffBase() time.Duration {
	if c.BackoffBaseMs <= 0 {
		return time.Second
	}
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// GetMaxRetries returns the retry cap.
func (c RetryConfig) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

// RouterConfig configures prompt delivery timing.
type RouterConfig struct {
	// FocusRestoreDelayMs is how long after fan-out the router waits before
	// signalling the shell to return focus to the prompt input.
	FocusRestoreDelayMs int `yaml:"focus_restore_delay_ms"`

	// SubmitDelayMs is the gap the injection script leaves between setting
	// the input's content and invoking the submit control.
	SubmitDelayMs int `yaml:"submit_delay_ms"`
}

// FocusRestoreDelay returns the deferred focus-restore delay.
func (c RouterConfig) FocusRestoreDelay() time.Duration {
	if c.FocusRestoreDelayMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.FocusRestoreDelayMs) * time.Millisecond
}

// SubmitDelay returns the insert-to-submit gap.
func (c RouterConfig) SubmitDelay() time.Duration {
	if c.SubmitDelayMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.SubmitDelayMs) * time.Millisecond
}

// DefaultConfig returns sensible defaults with the built-in service set.
func DefaultConfig() *Config {
	return &Config{
		Services: service.Defaults(),
		Engine: EngineConfig{
			Headless:            false,
			ViewportWidth:       1440,
			ViewportHeight:      900,
			NavigationTimeoutMs: 30000,
		},
		Retry: RetryConfig{
			TimeoutMs:     10000,
			BackoffBaseMs: 1000,
			MaxRetries:    3,
		},
		Router: RouterConfig{
			FocusRestoreDelayMs: 2000,
			SubmitDelayMs:       250,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for _, d := range cfg.Services {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}
