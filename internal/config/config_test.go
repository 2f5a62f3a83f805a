package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
diagnostics:
  failure_rate_per_sec: 2
storage:
  driver: sqlite
  path: ./data/events.db
  busy_timeout: 2s
systemd:
  notify: true
jobs:
  - name: heartbeat
    every: "@every 30s"
    message: alive
  - name: stats
    every: "5m"
    kind: stats
`

func TestParseBytesYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("diagsched.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes(yaml) error: %v", err)
	}
	if cfg.Logging.Level != "debug" || len(cfg.Jobs) != 2 || cfg.Jobs[0].Every != "@every 30s" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	st, err := StorageSettings(cfg)
	if err != nil {
		t.Fatalf("StorageSettings error: %v", err)
	}
	if !st.Enabled || st.Driver != "sqlite" || st.BusyTimeout != 2*time.Second {
		t.Fatalf("unexpected storage: %+v", st)
	}

	js := `{"logging":{"level":"info","console":true},"jobs":[{"name":"a","every":"1s"}]}`
	cfg, err = ParseBytes("diagsched.json", []byte(js))
	if err != nil {
		t.Fatalf("ParseBytes(json) error: %v", err)
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0].Name != "a" {
		t.Fatalf("unexpected jobs: %+v", cfg.Jobs)
	}
}

func TestParseBytesTOML(t *testing.T) {
	t.Parallel()
	body := `
[logging]
level = "warn"
console = true

[[jobs]]
name = "probe"
every = "@hourly"
kind = "unit"
unit = "nginx.service"
`
	cfg, err := ParseBytes("diagsched.toml", []byte(body))
	if err != nil {
		t.Fatalf("ParseBytes(toml) error: %v", err)
	}
	if cfg.Logging.Level != "warn" || len(cfg.Jobs) != 1 || cfg.Jobs[0].Unit != "nginx.service" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestParseBytesStrict(t *testing.T) {
	t.Parallel()
	if _, err := ParseBytes("c.json", []byte(`{"logging":{"level":"info"},"telegram":{}}`)); err == nil {
		t.Fatal("expected error for unknown field")
	}
	if _, err := ParseBytes("c.json", []byte(`{"jobs":[]}{"jobs":[]}`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
	if _, err := ParseBytes("c.yml", []byte("jobs: [unterminated")); err == nil {
		t.Fatal("expected error for bad yaml")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "missing name", cfg: Config{Jobs: []JobConfig{{Every: "1s"}}}, want: "name is required"},
		{name: "duplicate", cfg: Config{Jobs: []JobConfig{{Name: "a", Every: "1s"}, {Name: "a", Every: "2s"}}}, want: "duplicated"},
		{name: "bad interval", cfg: Config{Jobs: []JobConfig{{Name: "a", Every: "0s"}}}, want: "jobs[0].every"},
		{name: "bad kind", cfg: Config{Jobs: []JobConfig{{Name: "a", Every: "1s", Kind: "shell"}}}, want: "unknown kind"},
		{name: "unit without unit", cfg: Config{Jobs: []JobConfig{{Name: "a", Every: "1s", Kind: "unit"}}}, want: "unit is required"},
		{name: "sqlite without path", cfg: Config{Storage: &StorageConfig{Driver: "sqlite"}}, want: "storage.path"},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "redis"}}, want: "unknown storage.driver"},
		{name: "negative rate", cfg: Config{Diagnostics: DiagnosticsConfig{FailureRatePerSec: -1}}, want: "failure_rate_per_sec"},
		{name: "debug public bind", cfg: Config{Debug: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}}, want: "non-loopback"},
		{name: "debug bad addr", cfg: Config{Debug: DebugConfig{Enabled: true, Addr: "6060"}}, want: "debug.addr"},
		{name: "bad log level", cfg: Config{Logging: LoggingConfig{Level: "chatty"}}, want: "logging: unknown log level"},
		{name: "bad log override", cfg: Config{Logging: LoggingConfig{Levels: map[string]string{"journal": "silent"}}}, want: `component "journal"`},
		{name: "debug bad timeout", cfg: Config{Debug: DebugConfig{ReadTimeout: "soon"}}, want: "debug.read_timeout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestDebugSettingsDefaults(t *testing.T) {
	t.Parallel()
	d, err := DebugSettings(&Config{Debug: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: " t "}})
	if err != nil {
		t.Fatalf("DebugSettings: %v", err)
	}
	if d.Token != "t" || d.Prefix != "/debug/pprof/" || d.ReadTimeout != 5*time.Second || d.IdleTimeout != 120*time.Second {
		t.Fatalf("unexpected defaults: %+v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Jobs:    []JobConfig{{Name: "a", Every: "1s"}, {Name: "b", Every: "2s"}},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Jobs:    []JobConfig{{Name: "a", Every: "1s"}, {Name: "b", Every: "3s"}, {Name: "c", Every: "1m"}},
	}
	sections, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "logging,jobs" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if strings.Join(jobs, ",") != "b,c" {
		t.Fatalf("changed jobs = %v", jobs)
	}
	if got := ChangedJobs(newCfg.Jobs, oldCfg.Jobs); strings.Join(got, ",") != "b,c" {
		t.Fatalf("ChangedJobs reversed = %v", got)
	}
}

func TestManagerWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diagsched.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write(`{"logging":{"level":"info"},"jobs":[{"name":"a","every":"1s"}]}`)

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid config is rejected and not published.
	write(`{"jobs":[{"name":"a","every":"0s"}]}`)
	time.Sleep(150 * time.Millisecond)
	if got := m.Get(); got.Jobs[0].Every != "1s" {
		t.Fatalf("invalid config committed: %+v", got.Jobs)
	}

	write(`{"logging":{"level":"debug"},"jobs":[{"name":"a","every":"2s"}]}`)
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" || cfg.Jobs[0].Every != "2s" {
			t.Fatalf("unexpected reload: %+v", cfg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch error: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 2s ", want: 2 * time.Second},
		{raw: "30", want: 30 * time.Second},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "-1s", wantErr: true},
		{raw: "-5", wantErr: true},
		{raw: "soon", wantErr: true},
		{raw: "9223372036", want: 9223372036 * time.Second},
		{raw: "9223372037", wantErr: true},
		{raw: "18446744074", wantErr: true},
		{raw: "99999999999999999999", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x.timeout", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err != nil && !strings.Contains(err.Error(), "x.timeout") {
			t.Fatalf("error %q does not name the field", err)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "0", time.Minute); d != time.Minute {
		t.Fatalf("ParseDurationOrDefault zero = %v, want 1m", d)
	}
}
