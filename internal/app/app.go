package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"diagsched/internal/config"
	"diagsched/internal/diagnostics"
	"diagsched/internal/eventbus"
	"diagsched/internal/observability/debugsrv"
	"diagsched/internal/runtime/supervisor"
	"diagsched/internal/storage"
	"diagsched/internal/throttling"
	logx "diagsched/pkg/logx"
	"diagsched/pkg/systemd"
)

// App owns the scheduler and everything built around it from the config file.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	diag    *diagnostics.Source
	journal *diagnostics.Journal
	sched   *throttling.Scheduler

	notifier *systemd.Notifier
	prober   unitProber
	debug    *debugsrv.Service

	jobsMu sync.Mutex
	jobs   map[string]jobEntry

	stopOnce sync.Once
}

// Option customizes New.
type Option func(*options)

type options struct {
	logOut io.Writer
	prober unitProber
}

// WithLogOutput sends console logs to w instead of stdout.
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOut = w } }

func withProber(p unitProber) Option { return func(o *options) { o.prober = p } }

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewWithOutput(config.LogSettings(cfg), o.logOut)
	log = log.Named("app")
	cfgm.SetLogger(log.Named("config"))

	bus := eventbus.New()

	var store storage.Store
	sc, err := config.StorageSettings(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if sc.Enabled {
		st, err := storage.Open(storage.Config{
			Driver:      sc.Driver,
			Path:        sc.Path,
			BusyTimeout: sc.BusyTimeout,
			MaxEvents:   sc.MaxEvents,
		}, log.Named("storage"))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	diag := diagnostics.New(diagConfig(cfg), log.Named("diagnostics"), bus)
	var journal *diagnostics.Journal
	if store != nil {
		journal = diagnostics.NewJournal(bus, store, cfg.Diagnostics.BusBuffer, log.Named("journal"))
	}

	prober := o.prober
	if prober == nil {
		prober = systemd.NewProber()
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		diag:     diag,
		journal:  journal,
		sched:    throttling.New(diag, throttling.WithLogger(log.Named("scheduler"))),
		notifier: systemd.NewNotifier(cfg.Systemd.Notify),
		prober:   prober,
		jobs:     map[string]jobEntry{},
	}
	a.debug = debugsrv.New(debugsrv.Config{}, log.Named("debug"), map[string]debugsrv.StatusFunc{
		"timers":      func() any { return timerViews(a.sched.Snapshot()) },
		"diagnostics": func() any { return a.diag.Stats() },
		"journal":     a.journalView,
		"supervisor": func() any {
			if a.sup == nil {
				return supervisor.Status{}
			}
			return a.sup.Status()
		},
	})
	return a, nil
}

// Scheduler exposes the app's scheduler (read-mostly; used by tests and stats).
func (a *App) Scheduler() *throttling.Scheduler { return a.sched }

// Diagnostics returns the diagnostics counters.
func (a *App) Diagnostics() diagnostics.Stats { return a.diag.Stats() }

// Store returns the journal store, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.Named("supervisor")), supervisor.WithCancelOnError(true))

	if a.journal != nil {
		a.sup.GoRestart("journal", a.journal.Run)
	}

	// Debug-level trace of every bus event; components subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	cfg := a.cfgm.Get()
	a.syncJobs(cfg, nil)
	a.startWatchdog(cfg)
	a.applyDebug(a.sup.Context(), cfg)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := a.notifier.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}
	a.log.Info("app started", logx.Int("jobs", a.sched.Len()), logx.String("config", a.cfgPath))
	return nil
}

// applyConfig live-applies a reloaded config. Storage and systemd changes
// need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, changedJobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(config.LogSettings(newCfg))
		case "diagnostics":
			a.diag.Apply(diagConfig(newCfg))
		case "debug":
			a.applyDebug(a.sup.Context(), newCfg)
		case "storage", "systemd":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "jobs":
			a.syncJobs(newCfg, changedJobs)
		}
	}
	a.log.Info("config reloaded", fields...)
}

// startWatchdog schedules sd_notify WATCHDOG=1 pings on the app scheduler.
func (a *App) startWatchdog(cfg *config.Config) {
	if !cfg.Systemd.Notify || !cfg.Systemd.Watchdog {
		return
	}
	every, err := systemd.WatchdogInterval()
	if err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if every <= 0 {
		a.log.Debug("systemd watchdog not enabled for this process")
		return
	}
	_, err = a.sched.Schedule(every, func() {
		if _, err := a.notifier.Watchdog(); err != nil {
			a.log.Warn("sd_notify WATCHDOG failed", logx.Err(err))
		}
	}, throttling.WithName("systemd.watchdog"))
	if err != nil {
		a.log.Warn("watchdog schedule failed", logx.Err(err))
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
}

// Stop shuts everything down. It is safe to call more than once, and also
// when Start was never called.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notifier.Stopping(); err != nil {
		a.log.Warn("sd_notify STOPPING failed", logx.Err(err))
	}

	var errs []error
	// The scheduler goes first so that its final diagnostics still reach the journal.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { return a.sched.Shutdown(c) })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Stop)
		if err := a.sup.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "systemd", time.Second, func(context.Context) error { return a.prober.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.journal != nil {
			a.journal.Close()
		}
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Any("diagnostics", a.diag.Stats()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// applyDebug reconfigures the debug server; an invalid section keeps the
// previous settings.
func (a *App) applyDebug(ctx context.Context, cfg *config.Config) {
	d, err := config.DebugSettings(cfg)
	if err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		return
	}
	a.debug.Reconfigure(ctx, debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Prefix:               d.Prefix,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          d.ReadTimeout,
		IdleTimeout:          d.IdleTimeout,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	})
}

// timerView is the JSON shape of one registration on /status/timers.
type timerView struct {
	Token    string    `json:"token"`
	Name     string    `json:"name,omitempty"`
	Interval string    `json:"interval"`
	State    string    `json:"state"`
	Fires    uint64    `json:"fires"`
	Failed   bool      `json:"failed,omitempty"`
	Created  time.Time `json:"created"`
	LastFire time.Time `json:"last_fire,omitzero"`
	NextFire time.Time `json:"next_fire,omitzero"`
}

func timerViews(infos []throttling.TimerInfo) []timerView {
	out := make([]timerView, 0, len(infos))
	for _, ti := range infos {
		out = append(out, timerView{
			Token:    ti.Token.String(),
			Name:     ti.Name,
			Interval: ti.Interval.String(),
			State:    ti.State.String(),
			Fires:    ti.Fires,
			Failed:   ti.Failed,
			Created:  ti.Created,
			LastFire: ti.LastFire,
			NextFire: ti.NextFire,
		})
	}
	return out
}

// journalView is served at /status/journal.
type journalView struct {
	Enabled bool            `json:"enabled"`
	Counts  map[string]int  `json:"counts,omitempty"`
	Recent  []storage.Event `json:"recent,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const journalRecent = 20

func (a *App) journalView() any {
	if a.store == nil {
		return journalView{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v := journalView{Enabled: true}
	counts, err := a.store.CountByType(ctx)
	if err == nil {
		v.Counts = counts
		v.Recent, err = a.store.RecentEvents(ctx, journalRecent)
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

func diagConfig(cfg *config.Config) diagnostics.Config {
	return diagnostics.Config{FailureRatePerSec: cfg.Diagnostics.FailureRatePerSec}
}
