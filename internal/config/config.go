package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.chatsync/config.toml, optionally overlaid by a
// per-profile config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Server         Server  `toml:"server"`
	Timing         Timing  `toml:"timing"`
	Journal        Journal `toml:"journal"`
}

// Server locates the chat backend and the local user.
type Server struct {
	BaseURL        string   `toml:"base_url"`
	WSURL          string   `toml:"ws_url"`
	Token          string   `toml:"token"`
	UserID         string   `toml:"user_id"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Timing holds every engine delay.
type Timing struct {
	ReconnectDelay   Duration `toml:"reconnect_delay"`
	DeliveredAfter   Duration `toml:"delivered_after"`
	TypingExpiry     Duration `toml:"typing_expiry"`
	TypingIdle       Duration `toml:"typing_idle"`
	TypingGrace      Duration `toml:"typing_grace"`
	TypingEmptyClear Duration `toml:"typing_empty_clear"`
	PresenceInterval Duration `toml:"presence_interval"`
}

// Journal configures the envelope journal.
type Journal struct {
	Enabled bool `toml:"enabled"`
	Retain  int  `toml:"retain"`
}

// Duration is a time.Duration written as "3s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			BaseURL:        "http://localhost:8000",
			WSURL:          "ws://localhost:8000",
			RequestTimeout: Duration{15 * time.Second},
		},
		Timing: Timing{
			ReconnectDelay:   Duration{3 * time.Second},
			DeliveredAfter:   Duration{time.Second},
			TypingExpiry:     Duration{3 * time.Second},
			TypingIdle:       Duration{time.Second},
			TypingGrace:      Duration{3 * time.Second},
			TypingEmptyClear: Duration{500 * time.Millisecond},
			PresenceInterval: Duration{30 * time.Second},
		},
		Journal: Journal{Enabled: true, Retain: 5000},
	}
}

// Load reads config from the given path on top of the defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFiles decodes each existing file in order onto the defaults, so later
// files override earlier ones key by key. Missing files are skipped.
func LoadFiles(paths ...string) (*Config, error) {
	cfg := Default()
	for _, p := range paths {
		if _, err := toml.DecodeFile(p, cfg); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
	}
	return cfg, nil
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.UserID == "" {
		errs = append(errs, errors.New("server.user_id is required"))
	}
	for key, raw := range map[string]string{"server.base_url": c.Server.BaseURL, "server.ws_url": c.Server.WSURL} {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", key, raw))
		}
	}
	if c.Timing.ReconnectDelay.Duration <= 0 {
		errs = append(errs, errors.New("timing.reconnect_delay must be positive"))
	}
	if c.Timing.PresenceInterval.Duration <= 0 {
		errs = append(errs, errors.New("timing.presence_interval must be positive"))
	}
	if c.Journal.Retain < 0 {
		errs = append(errs, errors.New("journal.retain must not be negative"))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
