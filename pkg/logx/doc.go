// Package logx is diagsched's logging front end over zerolog.
//
// A Service owns the sinks (console text or JSON, plus an optional JSON file)
// and can be re-applied at runtime. Loggers are cheap values; Named tags a
// component whose level can be overridden through Config.Levels.
package logx
