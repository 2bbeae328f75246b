package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"imbus/internal/app"
	logx "imbus/pkg/logx"
)

// channelFlags collects repeated -channel flags.
type channelFlags []string

func (c *channelFlags) String() string { return strings.Join(*c, ",") }

func (c *channelFlags) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty channel")
	}
	*c = append(*c, v)
	return nil
}

func main() {
	var (
		cfgPath  string
		channels channelFlags
	)
	flag.StringVar(&cfgPath, "config", "./imbus.yaml", "path to config (yaml or json)")
	flag.Var(&channels, "channel", "extra channel to subscribe to (repeatable)")
	flag.Parse()

	// Used until the configured logger exists, and for the final exit status.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.WithChannels(channels...))
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx, a)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		boot.Error("exited with error", logx.String("reason", string(reason)), logx.Err(err))
		os.Exit(1)
	}
}

// watchdog pings systemd while the poll loop is running. It is a no-op
// unless WatchdogSec is set on the unit.
func watchdog(ctx context.Context, a *app.App) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Done():
			return
		case <-t.C:
			if a.Bus().Status().Running {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
