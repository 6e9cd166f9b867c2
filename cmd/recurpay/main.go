package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"recurpay/internal/app"
	"recurpay/internal/config"
	"recurpay/internal/dispatch"
	logx "recurpay/pkg/logx"
)

func main() {
	var (
		cfgPath string
		envPath string
		once    string
		date    string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with RECURPAY_* overrides (missing is fine)")
	flag.StringVar(&once, "once", "", "run a single pass (execute|remind) and exit")
	flag.StringVar(&date, "date", "", "calendar date YYYY-MM-DD for -once (default: today in scheduler timezone)")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if once != "" {
		code := runOnce(ctx, a, dispatch.Kind(once), date)
		_ = a.Close()
		os.Exit(code)
	}

	if err := a.Start(ctx); err != nil {
		a.Logger().Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, a *app.App, kind dispatch.Kind, rawDate string) int {
	log := a.Logger()
	var day time.Time
	if rawDate != "" {
		d, err := time.Parse(time.DateOnly, rawDate)
		if err != nil {
			log.Error("invalid -date", logx.String("date", rawDate), logx.Err(err))
			return 2
		}
		day = d
	}
	rep, err := a.RunOnce(ctx, kind, day)
	if err != nil {
		log.Error("pass failed", logx.String("kind", string(kind)), logx.Err(err))
		return 1
	}
	log.Info("pass done",
		logx.String("kind", string(kind)),
		logx.String("date", rep.Date),
		logx.Int("candidates", rep.Candidates),
		logx.Int("posted", rep.Posted),
		logx.Int("failed", rep.Failed),
		logx.Int("conflicts", rep.Conflicts),
	)
	if rep.Failed > 0 || errors.Is(ctx.Err(), context.Canceled) {
		return 1
	}
	return 0
}
