// Package engineconfig loads engine configuration from a file plus
// environment overrides, following the host app's env-var > config-file >
// default priority order, adapted to use viper for the file/env layering.
package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables the engine needs at startup.
type Config struct {
	DataDir  string
	RemoteURL string
	APIKey    string

	PushDebounce   time.Duration
	ReconcileTick  time.Duration
	EchoWindow     time.Duration
	StatusMinShow  time.Duration
	TombstoneTTL   time.Duration

	LogLevel  string
	LogFormat string
}

const (
	defaultPushDebounce  = 1750 * time.Millisecond
	defaultReconcileTick = 15 * time.Minute
	defaultEchoWindow    = 2 * time.Second
	defaultStatusMinShow = 500 * time.Millisecond
	defaultTombstoneTTL  = 30 * 24 * time.Hour
)

// ConfigDir returns the per-user config directory, e.g. ~/.config/goal-planner.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("engineconfig: home dir: %w", err)
	}
	return filepath.Join(home, ".config", "goal-planner"), nil
}

// Load reads config.{yaml,json,toml} from dir (falling back to
// ConfigDir()), applies GOALPLANNER_-prefixed environment overrides, and
// fills in defaults for anything unset.
func Load(dir string) (Config, error) {
	if dir == "" {
		d, err := ConfigDir()
		if err != nil {
			return Config{}, err
		}
		dir = d
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("GOALPLANNER")
	v.AutomaticEnv()

	v.SetDefault("data_dir", dir)
	v.SetDefault("remote_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("push_debounce_ms", defaultPushDebounce.Milliseconds())
	v.SetDefault("reconcile_tick_s", int(defaultReconcileTick.Seconds()))
	v.SetDefault("echo_window_ms", defaultEchoWindow.Milliseconds())
	v.SetDefault("status_min_show_ms", defaultStatusMinShow.Milliseconds())
	v.SetDefault("tombstone_ttl_hours", int(defaultTombstoneTTL.Hours()))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("engineconfig: read config: %w", err)
		}
	}

	cfg := Config{
		DataDir:       v.GetString("data_dir"),
		RemoteURL:     v.GetString("remote_url"),
		APIKey:        v.GetString("api_key"),
		PushDebounce:  time.Duration(v.GetInt64("push_debounce_ms")) * time.Millisecond,
		ReconcileTick: time.Duration(v.GetInt("reconcile_tick_s")) * time.Second,
		EchoWindow:    time.Duration(v.GetInt64("echo_window_ms")) * time.Millisecond,
		StatusMinShow: time.Duration(v.GetInt64("status_min_show_ms")) * time.Millisecond,
		TombstoneTTL:  time.Duration(v.GetInt("tombstone_ttl_hours")) * time.Hour,
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
	}

	if cfg.EchoWindow < cfg.PushDebounce {
		return cfg, fmt.Errorf("engineconfig: echo_window_ms (%s) must be >= push_debounce_ms (%s)", cfg.EchoWindow, cfg.PushDebounce)
	}

	return cfg, nil
}
