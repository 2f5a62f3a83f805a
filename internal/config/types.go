package config

// Config is the diagschedd configuration file.
//
// JSON and YAML are both accepted (see Manager.Parse); unknown keys are rejected.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Systemd     SystemdConfig     `json:"systemd"`
	Debug       DebugConfig       `json:"debug,omitempty"`
	Jobs        []JobConfig       `json:"jobs"`
}

// LoggingConfig selects sinks and levels.
//
// Format is "console" (default) or "json" and applies to the console sink;
// the file sink is always JSON. Levels overrides Level per component, e.g.
// {"scheduler": "debug", "journal": "warn"}.
type LoggingConfig struct {
	Level   string            `json:"level"`
	Format  string            `json:"format,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFile       `json:"file"`
	Levels  map[string]string `json:"levels,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DiagnosticsConfig controls how scheduler signals are surfaced.
//
// Defaults (when fields are omitted/zero):
//   - failure_rate_per_sec: 1
//   - bus_buffer: 64
type DiagnosticsConfig struct {
	FailureRatePerSec int `json:"failure_rate_per_sec,omitempty"`
	BusBuffer         int `json:"bus_buffer,omitempty"`
}

// StorageConfig controls the optional event journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/events.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxEvents   int    `json:"max_events,omitempty"`
}

// SystemdConfig controls sd_notify integration. Both flags are no-ops when the
// process is not running under systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// DebugConfig controls the optional debug HTTP server (pprof and JSON status).
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"` // default: 5s
	IdleTimeout string `json:"idle_timeout,omitempty"` // default: 120s

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// JobConfig declares one recurring job.
//
// Every accepts "@every 30s", Go durations ("45s", "2m30s") and HH:MM ("01:30").
//
// Kind values:
//   - "log" (default): log Message at info level on every firing
//   - "stats": log scheduler and diagnostics counters
//   - "unit": probe the active state of a systemd unit (Unit)
type JobConfig struct {
	Name    string `json:"name"`
	Every   string `json:"every"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Unit    string `json:"unit,omitempty"`
	// Disabled keeps the job in config without scheduling it.
	Disabled bool `json:"disabled,omitempty"`
}
