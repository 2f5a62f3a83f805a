package debugsrv

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"diagsched/internal/runtime/supervisor"
	logx "diagsched/pkg/logx"
)

// Config controls the optional debug HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string // pprof prefix
	Token         string
	AllowInsecure bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// StatusFunc returns a JSON-serializable value served at /status/<name>.
type StatusFunc func() any

// Service runs the debug HTTP server. Each Start begins a new run under its
// own supervisor; server failures never cancel the caller's context.
type Service struct {
	log    logx.Logger
	status map[string]StatusFunc

	mu   sync.Mutex
	cfg  Config
	run  *run
	addr string
}

// run is one started server generation.
type run struct {
	cfg Config
	sup *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger, status map[string]StatusFunc) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	st := make(map[string]StatusFunc, len(status))
	for k, v := range status {
		if v != nil {
			st[strings.Trim(k, "/")] = v
		}
	}
	return &Service{cfg: cfg, log: log, status: st}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound address, or "" while nothing is listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure stores cfg and starts, stops or restarts the server to match.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev, running := s.cfg, s.run != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	a.Prefix, b.Prefix = normalizePrefix(a.Prefix), normalizePrefix(b.Prefix)
	a.Enabled, b.Enabled = true, true
	a.MutexProfileFraction, b.MutexProfileFraction = 0, 0
	a.BlockProfileRate, b.BlockProfileRate = 0, 0
	return a != b
}

// applyRuntimeRates leaves the Go defaults alone for zero values.
func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start is a no-op while a run is active or the server is disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil || !s.cfg.Enabled {
		return
	}
	r := &run{cfg: s.cfg, sup: supervisor.New(ctx, supervisor.WithLogger(s.log))}
	s.run = r
	r.sup.GoRestart("debug.http", func(c context.Context) error {
		if err := s.serve(c, r); !errors.Is(err, errInsecureBind) {
			return err
		}
		return nil
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop ends the current run and waits for it until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.run
	s.run, s.addr = nil, ""
	s.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.sup.Stop(ctx); err != nil {
		s.log.Warn("debug server stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("debug server stopped")
}

var errInsecureBind = errors.New("debug server refused to start: insecure bind")

const defaultAddr = "127.0.0.1:6060"

// serve listens and serves once for r. It returns nil when ctx ends.
func (s *Service) serve(ctx context.Context, r *run) error {
	cur := r.cfg
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !IsLoopbackAddr(addr) {
		s.log.Error("debug server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errInsecureBind
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:     s.handler(cur),
		ReadTimeout: cur.ReadTimeout,
		IdleTimeout: cur.IdleTimeout,
	}
	bound := ln.Addr().String()
	s.setAddr(r, bound)
	defer s.setAddr(r, "")

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("debug server started", logx.String("addr", bound), logx.String("prefix", normalizePrefix(cur.Prefix)), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

func (s *Service) setAddr(r *run, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == r {
		s.addr = addr
	}
}
