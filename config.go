package toolbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"
)

// LaunchSpec describes how to start a server subprocess.
type LaunchSpec struct {
	Command    string            `json:"command" toml:"command"`
	Args       []string          `json:"args" toml:"args"`
	WorkingDir string            `json:"workingDir,omitempty" toml:"working_dir"`
	Env        map[string]string `json:"env,omitempty" toml:"env"`
}

// Config is the full set of servers to manage plus the timing knobs that
// govern them. Zero-valued timings fall back to the package defaults.
type Config struct {
	Servers map[string]LaunchSpec

	RequestTimeout    time.Duration
	TerminateGrace    time.Duration
	HeartbeatInterval time.Duration
	MaxHeartbeatMiss  int
	Retry             RetryPolicy
}

// envOverrides are timing knobs that can be set through the environment,
// taking precedence over values from the config file.
type envOverrides struct {
	RequestTimeout    time.Duration `env:"TOOLBUS_REQUEST_TIMEOUT"`
	TerminateGrace    time.Duration `env:"TOOLBUS_TERMINATE_GRACE"`
	HeartbeatInterval time.Duration `env:"TOOLBUS_HEARTBEAT_INTERVAL"`
	MaxHeartbeatMiss  int           `env:"TOOLBUS_MAX_HEARTBEAT_MISS"`
	RetryAttempts     int           `env:"TOOLBUS_RETRY_ATTEMPTS"`
	RetryBaseDelay    time.Duration `env:"TOOLBUS_RETRY_BASE_DELAY"`
}

// jsonConfig mirrors the conventional servers file layout used by agent
// frontends, a top-level "mcpServers" object keyed by server name.
type jsonConfig struct {
	Servers map[string]LaunchSpec `json:"mcpServers"`
}

type tomlConfig struct {
	Servers map[string]LaunchSpec `toml:"servers"`

	RequestTimeout    string `toml:"request_timeout"`
	TerminateGrace    string `toml:"terminate_grace"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	MaxHeartbeatMiss  int    `toml:"max_heartbeat_miss"`
	RetryAttempts     int    `toml:"retry_attempts"`
	RetryBaseDelay    string `toml:"retry_base_delay"`
}

// DefaultConfig returns a Config with no servers and all timings at their
// package defaults.
func DefaultConfig() Config {
	return Config{
		Servers:           make(map[string]LaunchSpec),
		RequestTimeout:    DefaultRequestTimeout,
		TerminateGrace:    DefaultTerminateGrace,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxHeartbeatMiss:  DefaultMaxHeartbeatMiss,
		Retry:             DefaultRetryPolicy(),
	}
}

// LoadConfig reads a servers file, dispatching on extension. ".toml" files
// use the native layout with timing keys; anything else is parsed as JSON in
// the "mcpServers" layout. Environment overrides are applied last.
func LoadConfig(path string) (Config, error) {
	var (
		cfg Config
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		cfg, err = loadTOMLConfig(path)
	} else {
		cfg, err = loadJSONConfig(path)
	}
	if err != nil {
		return Config{}, err
	}

	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("config env overrides: %w", err)
	}
	applyOverrides(&cfg, env)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadJSONConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var raw jsonConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg := DefaultConfig()
	cfg.Servers = raw.Servers
	return cfg, nil
}

func loadTOMLConfig(path string) (Config, error) {
	var raw tomlConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	cfg := DefaultConfig()
	cfg.Servers = raw.Servers

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"terminate_grace", raw.TerminateGrace, &cfg.TerminateGrace},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"retry_base_delay", raw.RetryBaseDelay, &cfg.Retry.BaseDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if meta.IsDefined("max_heartbeat_miss") {
		cfg.MaxHeartbeatMiss = raw.MaxHeartbeatMiss
	}
	if meta.IsDefined("retry_attempts") {
		cfg.Retry.MaxAttempts = raw.RetryAttempts
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, env envOverrides) {
	if env.RequestTimeout > 0 {
		cfg.RequestTimeout = env.RequestTimeout
	}
	if env.TerminateGrace > 0 {
		cfg.TerminateGrace = env.TerminateGrace
	}
	if env.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = env.HeartbeatInterval
	}
	if env.MaxHeartbeatMiss > 0 {
		cfg.MaxHeartbeatMiss = env.MaxHeartbeatMiss
	}
	if env.RetryAttempts > 0 {
		cfg.Retry.MaxAttempts = env.RetryAttempts
	}
	if env.RetryBaseDelay > 0 {
		cfg.Retry.BaseDelay = env.RetryBaseDelay
	}
}

// Validate checks that at least one server is configured and every server
// names a command to run.
func (c Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("config must define at least one server")
	}
	for name, spec := range c.Servers {
		if strings.TrimSpace(spec.Command) == "" {
			return fmt.Errorf("server %q: command is required", name)
		}
	}
	return nil
}

// WatchConfig watches a config file and invokes onChange with each freshly
// loaded Config when the file is rewritten. A rewrite that fails to load is
// logged and skipped, keeping the previous config in effect. The watcher
// runs until ctx is cancelled.
func WatchConfig(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	// Watch the directory rather than the file itself, since editors and
	// atomic writes replace the inode and would silently drop a file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config watcher: %w", err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Error("config reload failed, keeping previous config", "path", path, "err", err)
					continue
				}
				logger.Info("config reloaded", "path", path, "servers", len(cfg.Servers))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
