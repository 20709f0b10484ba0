package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"luckybot/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	// Tell systemd (Type=notify) when the workers are up and when we begin
	// to stop. Both are no-ops outside systemd.
	go func() {
		select {
		case <-a.Ready().Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		case <-a.Stopping().Done():
		}
		<-a.Stopping().Done()
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
