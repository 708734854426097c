package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fanout/internal/app"
	logx "fanout/pkg/logx"
	"fanout/pkg/systemd"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Until the config is loaded, log to the console at FANOUT_LOG_LEVEL.
	boot := logx.NewConsole(os.Getenv("FANOUT_LOG_LEVEL")).With(logx.Component("main"))

	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		boot.Warn("could not load .env", logx.Err(err))
	}

	defPath := "./config.yaml"
	if p := strings.TrimSpace(os.Getenv("FANOUT_CONFIG")); p != "" {
		defPath = p
	}
	var cfgPath string
	flag.StringVar(&cfgPath, "config", defPath, "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}
	if _, err := systemd.Ready(); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	}
	go func() { _ = systemd.Watchdog(ctx, func() bool { return a.Err() == nil }) }()

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		boot.Error("stopped on fatal error", logx.Err(a.Err()))
		os.Exit(1)
	}
}
