// Package config loads the engine configuration from a TOML file with typed
// defaults for every field.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration.
type Config struct {
	// GatewayBaseURL is the HTTP base of the gateway (history, sends, tasks).
	GatewayBaseURL string `toml:"gateway_base_url"`
	// GatewayWSURL is the live event feed address.
	GatewayWSURL string `toml:"gateway_ws_url"`
	// MediaBaseURL builds media-proxy URLs for bare file tokens. Usually the
	// same host as GatewayBaseURL.
	MediaBaseURL string `toml:"media_base_url"`
	// SelfID overrides the connection's own account id when the gateway does
	// not stamp self_id on events. Zero trusts the event.
	SelfID int64 `toml:"self_id"`
	// ListenAddr is the loopback address of the UI-facing state API.
	ListenAddr string `toml:"listen_addr"`
	// DBPath is the sqlite file mirroring raw chat events across restarts.
	DBPath string `toml:"db_path"`
	Debug  bool   `toml:"debug"`

	Retention          int `toml:"retention"`
	DupWindowSeconds   int `toml:"dup_window_seconds"`
	HistoryPageSize    int `toml:"history_page_size"`
	HistoryPageCeiling int `toml:"history_page_ceiling"`
	BackoffBaseSeconds int `toml:"backoff_base_seconds"`
	BackoffCapSeconds  int `toml:"backoff_cap_seconds"`
	PollIntervalMS     int `toml:"poll_interval_ms"`
	TaskLingerMS       int `toml:"task_linger_ms"`
	WarmLoadLimit      int `toml:"warm_load_limit"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		GatewayBaseURL:     "http://127.0.0.1:8000",
		GatewayWSURL:       "ws://127.0.0.1:8000/ws",
		MediaBaseURL:       "http://127.0.0.1:8000",
		ListenAddr:         "127.0.0.1:8120",
		DBPath:             "chat_mirror.db",
		Retention:          300,
		DupWindowSeconds:   8,
		HistoryPageSize:    200,
		HistoryPageCeiling: 10,
		BackoffBaseSeconds: 1,
		BackoffCapSeconds:  30,
		PollIntervalMS:     1000,
		TaskLingerMS:       2500,
		WarmLoadLimit:      200,
	}
}

// Load reads a TOML config file over the defaults. A missing file is not an
// error: defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg.sanitized(), nil
}

// sanitized clamps values a hand-edited file could break.
func (c Config) sanitized() Config {
	if c.Retention < 50 {
		c.Retention = 50
	}
	if c.DupWindowSeconds <= 0 {
		c.DupWindowSeconds = 8
	}
	if c.HistoryPageSize < 1 || c.HistoryPageSize > 500 {
		c.HistoryPageSize = 200
	}
	if c.HistoryPageCeiling < 1 {
		c.HistoryPageCeiling = 10
	}
	if c.BackoffBaseSeconds < 1 {
		c.BackoffBaseSeconds = 1
	}
	if c.BackoffCapSeconds < c.BackoffBaseSeconds {
		c.BackoffCapSeconds = 30
	}
	if c.PollIntervalMS < 100 {
		c.PollIntervalMS = 1000
	}
	if c.TaskLingerMS < 0 {
		c.TaskLingerMS = 2500
	}
	if c.WarmLoadLimit <= 0 {
		c.WarmLoadLimit = 200
	}
	return c
}

// DupWindow returns the duplicate detection window.
func (c Config) DupWindow() time.Duration {
	return time.Duration(c.DupWindowSeconds) * time.Second
}

// BackoffBase returns the first reconnect delay.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the reconnect delay ceiling.
func (c Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// PollInterval returns the async-task poll cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// TaskLinger returns how long a terminal task stays visible before clearing.
func (c Config) TaskLinger() time.Duration {
	return time.Duration(c.TaskLingerMS) * time.Millisecond
}
