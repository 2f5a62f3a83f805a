package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"diagsched/internal/config"
	"diagsched/internal/throttling"
	logx "diagsched/pkg/logx"
	"diagsched/pkg/systemd"
)

type unitProber interface {
	State(ctx context.Context, unit string) (systemd.UnitState, error)
	Close() error
}

type jobEntry struct {
	token throttling.Token
	cfg   config.JobConfig
}

const maxProbeTimeout = 5 * time.Second

// syncJobs reconciles the registered jobs with cfg.Jobs. When changed is nil
// every job is considered; otherwise only the named ones are re-registered.
func (a *App) syncJobs(cfg *config.Config, changed []string) {
	want := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		want[strings.TrimSpace(j.Name)] = j
	}

	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()

	names := changed
	if names == nil {
		for name := range want {
			names = append(names, name)
		}
		for name := range a.jobs {
			if _, ok := want[name]; !ok {
				names = append(names, name)
			}
		}
	}

	for _, name := range names {
		if old, ok := a.jobs[name]; ok {
			if err := a.sched.Remove(old.token); err != nil {
				a.log.Warn("job remove failed", logx.String("job", name), logx.Err(err))
			}
			delete(a.jobs, name)
			a.log.Debug("job unscheduled", logx.String("job", name))
		}

		jc, ok := want[name]
		if !ok || jc.Disabled {
			continue
		}
		tok, err := a.scheduleJob(name, jc)
		if err != nil {
			a.log.Warn("job schedule failed", logx.String("job", name), logx.Err(err))
			continue
		}
		a.jobs[name] = jobEntry{token: tok, cfg: jc}
	}
}

func (a *App) scheduleJob(name string, jc config.JobConfig) (throttling.Token, error) {
	iv, err := config.ParseInterval(jc.Every)
	if err != nil {
		return throttling.Token{}, fmt.Errorf("job %s: %w", name, err)
	}
	action, release := a.jobAction(name, iv.Every, jc)
	opts := []throttling.ScheduleOption{throttling.WithName(name)}
	if release != nil {
		opts = append(opts, throttling.WithRelease(release))
	}
	tok, err := a.sched.ScheduleContext(iv.Every, action, opts...)
	if err != nil {
		return throttling.Token{}, err
	}
	a.log.Info("job scheduled",
		logx.String("job", name),
		logx.String("kind", jobKind(jc)),
		logx.Duration("every", iv.Every),
		logx.String("source", iv.Source),
	)
	return tok, nil
}

func jobKind(jc config.JobConfig) string {
	k := strings.ToLower(strings.TrimSpace(jc.Kind))
	if k == "" {
		return "log"
	}
	return k
}

// jobAction builds the firing function for a job. The optional release hook
// runs when the job is removed.
func (a *App) jobAction(name string, every time.Duration, jc config.JobConfig) (func(ctx context.Context), func() error) {
	log := a.log.With(logx.String("job", name))

	switch jobKind(jc) {
	case "stats":
		return func(context.Context) {
			st := a.diag.Stats()
			fields := []logx.Field{
				logx.Int("timers", a.sched.Len()),
				logx.Uint64("created", st.Created),
				logx.Uint64("removed", st.Removed),
				logx.Uint64("dispose_failures", st.DisposeFailures),
				logx.Uint64("action_failures", st.ActionFailures),
				logx.Uint64("bus_dropped", a.bus.Dropped()),
			}
			if a.sup != nil {
				c := a.sup.Counters()
				fields = append(fields, logx.Int64("goroutines", c.Active), logx.Uint64("restarts", c.Restarts))
			}
			log.Info("scheduler stats", fields...)
		}, nil

	case "unit":
		probe := &unitProbe{
			prober:  a.prober,
			unit:    jc.Unit,
			timeout: min(every, maxProbeTimeout),
			log:     log,
		}
		return probe.run, probe.release

	default:
		msg := jc.Message
		if strings.TrimSpace(msg) == "" {
			msg = "tick"
		}
		return func(context.Context) {
			log.Info(msg)
		}, nil
	}
}

// unitProbe logs the state of one systemd unit and warns on transitions.
type unitProbe struct {
	prober  unitProber
	unit    string
	timeout time.Duration
	log     logx.Logger

	mu   sync.Mutex
	last string
}

func (p *unitProbe) run(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st, err := p.prober.State(pctx, p.unit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.log.Warn("unit probe failed", logx.String("unit", p.unit), logx.Err(err))
		return
	}

	p.mu.Lock()
	prev := p.last
	p.last = st.Active
	p.mu.Unlock()

	fields := []logx.Field{
		logx.String("unit", st.Unit),
		logx.String("active", st.Active),
		logx.String("sub", st.Sub),
	}
	switch {
	case prev != "" && prev != st.Active:
		p.log.Warn("unit state changed", append(fields, logx.String("previous", prev))...)
	case st.Active != "active":
		p.log.Info("unit not active", fields...)
	default:
		p.log.Debug("unit active", fields...)
	}
}

func (p *unitProbe) release() error {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	p.log.Debug("unit probe released", logx.String("unit", p.unit), logx.String("last", last))
	return nil
}

// Jobs returns the sorted names of the currently scheduled jobs.
func (a *App) Jobs() []string {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	out := make([]string, 0, len(a.jobs))
	for name := range a.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
