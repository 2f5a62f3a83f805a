package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diagsched/internal/app"
	logx "diagsched/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
		bootLevel   string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml, json or toml)")
	flag.DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	flag.StringVar(&bootLevel, "boot-log-level", "info", "level for messages logged before the config is loaded")
	flag.Parse()

	boot := logx.NewConsole(bootLevel).Named("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("load failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		boot.Error("exiting after fatal error", logx.String("reason", string(reason)), logx.Err(err))
		os.Exit(1)
	}
	if stopErr != nil {
		boot.Error("stop incomplete", logx.Duration("timeout", stopTimeout), logx.Err(stopErr))
		os.Exit(1)
	}
}
