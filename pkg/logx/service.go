package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
	})
}

// state is one applied Config: the writer chain plus resolved levels.
type state struct {
	root  zerolog.Logger
	level Level
	comps map[string]Level
}

func (st *state) levelFor(comp string) Level {
	if l, ok := st.comps[comp]; ok && comp != "" {
		return l
	}
	return st.level
}

// Service owns the process sinks. Loggers obtained from it follow every
// Apply without being recreated.
type Service struct {
	cur atomic.Pointer[state]

	mu   sync.Mutex
	cfg  Config
	out  io.Writer
	file *os.File
}

// New builds a Service writing console output to Stdout.
func New(cfg Config) (*Service, Logger) { return NewWithOutput(cfg, nil) }

// NewWithOutput builds a Service whose console sink is out (Stdout if nil).
func NewWithOutput(cfg Config, out io.Writer) (*Service, Logger) {
	setGlobals()
	if out == nil {
		out = Stdout()
	}
	s := &Service{out: out}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) load() *state { return s.cur.Load() }

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied Config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Close releases the log file, if any. Later events go to the remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.cur.Store(s.build(s.cfg, s.consoleSinks(s.cfg)))
	return err
}

// Apply replaces sinks and levels. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	sinks := s.consoleSinks(cfg)

	var prev *os.File
	prev, s.file = s.file, nil
	if cfg.File.Enabled {
		path := cfg.filePath()
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = s.forcedConsole(cfg)
	}
	s.cur.Store(s.build(cfg, sinks))

	if prev != nil {
		_ = prev.Close()
	}
}

func (s *Service) consoleSinks(cfg Config) []io.Writer {
	if !cfg.Console {
		return nil
	}
	return s.forcedConsole(cfg)
}

func (s *Service) forcedConsole(cfg Config) []io.Writer {
	if cfg.json() {
		return []io.Writer{s.out}
	}
	return []io.Writer{consoleWriter(s.out)}
}

// build resolves levels. The zerolog level is the most verbose of the base
// and component levels; Logger.emit filters per component.
func (s *Service) build(cfg Config, sinks []io.Writer) *state {
	st := &state{level: ParseLevel(cfg.Level, LevelInfo)}
	floor := st.level
	if len(cfg.Levels) > 0 {
		st.comps = make(map[string]Level, len(cfg.Levels))
		for comp, name := range cfg.Levels {
			l := ParseLevel(name, st.level)
			st.comps[comp] = l
			floor = min(floor, l)
		}
	}
	var w io.Writer = io.Discard
	if len(sinks) > 0 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	st.root = zerolog.New(w).Level(floor).With().Timestamp().Logger()
	return st
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		NoColor:      w != os.Stdout,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// Stdout returns the process stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the process stderr sink.
func Stderr() io.Writer { return os.Stderr }
