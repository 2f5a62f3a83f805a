package logx

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Console formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config describes the sinks and levels of a Service.
//
// Levels maps a component name (see Logger.Named) to its own minimum level;
// components not listed use Level.
type Config struct {
	Level   string
	Format  string
	Console bool
	File    FileConfig
	Levels  map[string]string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultFilePath = "./diagsched.log"

// Check reports the first unknown level or format name in cfg.
func (c Config) Check() error {
	if _, ok := lookupLevel(c.Level); !ok && strings.TrimSpace(c.Level) != "" {
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Format)) {
	case "", FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	for comp, lvl := range c.Levels {
		if _, ok := lookupLevel(lvl); !ok {
			return fmt.Errorf("component %q: unknown log level %q", comp, lvl)
		}
	}
	return nil
}

func (c Config) json() bool {
	return strings.EqualFold(strings.TrimSpace(c.Format), FormatJSON)
}

func (c Config) filePath() string {
	if p := strings.TrimSpace(c.File.Path); p != "" {
		return p
	}
	return defaultFilePath
}

// ParseLevel maps a level name to a Level, returning def for unknown names.
func ParseLevel(s string, def Level) Level {
	if l, ok := lookupLevel(s); ok {
		return l
	}
	return def
}

func lookupLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}
