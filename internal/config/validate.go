package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "diagsched/pkg/logx"
)

var jobKinds = map[string]bool{"": true, "log": true, "stats": true, "unit": true}

// Validate checks cross-field rules that strict decoding cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Diagnostics.FailureRatePerSec < 0 {
		return fmt.Errorf("diagnostics.failure_rate_per_sec must be >= 0")
	}
	if cfg.Diagnostics.BusBuffer < 0 {
		return fmt.Errorf("diagnostics.bus_buffer must be >= 0")
	}
	if err := LogSettings(cfg).Check(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if _, err := StorageSettings(cfg); err != nil {
		return err
	}
	if _, err := DebugSettings(cfg); err != nil {
		return err
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if seen[name] {
			return fmt.Errorf("%s.name %q is duplicated", path, name)
		}
		seen[name] = true

		if _, err := ParseInterval(j.Every); err != nil {
			return fmt.Errorf("%s.every: %w", path, err)
		}
		kind := strings.ToLower(strings.TrimSpace(j.Kind))
		if !jobKinds[kind] {
			return fmt.Errorf("%s.kind: unknown kind %q", path, j.Kind)
		}
		if kind == "unit" && strings.TrimSpace(j.Unit) == "" {
			return fmt.Errorf("%s.unit is required for kind=unit", path)
		}
	}
	return nil
}

// Storage is the resolved storage section.
type Storage struct {
	Enabled     bool
	Driver      string
	Path        string
	BusyTimeout time.Duration
	MaxEvents   int
}

// StorageSettings resolves defaults for the storage section.
func StorageSettings(cfg *Config) (Storage, error) {
	if cfg == nil || cfg.Storage == nil {
		return Storage{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return Storage{}, nil
	}
	if sc.MaxEvents < 0 {
		return Storage{}, fmt.Errorf("storage.max_events must be >= 0")
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./data/diagsched"
		}
		return Storage{Enabled: true, Driver: "file", Path: path, MaxEvents: sc.MaxEvents}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return Storage{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return Storage{}, err
		}
		return Storage{Enabled: true, Driver: "sqlite", Path: path, BusyTimeout: busy, MaxEvents: sc.MaxEvents}, nil
	default:
		return Storage{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// Debug is the resolved debug section.
type Debug struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// DebugSettings validates the debug section and resolves its defaults. It
// never starts the server.
func DebugSettings(cfg *Config) (Debug, error) {
	var out Debug
	if cfg == nil {
		return out, nil
	}
	dc := cfg.Debug

	out.Enabled = dc.Enabled
	out.AllowInsecure = dc.AllowInsecure
	out.Token = strings.TrimSpace(dc.Token)
	out.Addr = strings.TrimSpace(dc.Addr)
	out.Prefix = strings.TrimSpace(dc.Prefix)
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if dc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("debug.mutex_profile_fraction must be >= 0")
	}
	if dc.BlockProfileRate < 0 {
		return out, fmt.Errorf("debug.block_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = dc.MutexProfileFraction
	out.BlockProfileRate = dc.BlockProfileRate

	if out.Enabled {
		host, _, err := net.SplitHostPort(out.Addr)
		if err != nil {
			return out, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Refuse public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !isLoopbackHost(host) {
			return out, fmt.Errorf("debug: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func isLoopbackHost(h string) bool {
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// LogSettings maps the logging section onto a logx.Config.
func LogSettings(cfg *Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Format:  lc.Format,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Levels:  lc.Levels,
	}
}
