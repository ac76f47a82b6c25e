package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mbrock/notifysms/internal/bridge"
	"github.com/mbrock/notifysms/internal/eventlog"
	"github.com/mbrock/notifysms/internal/eventlog/journald"
	"github.com/mbrock/notifysms/internal/notify"
	"github.com/mbrock/notifysms/internal/notify/freedesktop"
	"github.com/mbrock/notifysms/internal/platform/systemd"
	"github.com/mbrock/notifysms/internal/service"
	"github.com/mbrock/notifysms/internal/supervisor"
)

// cmdServe exports the command bridge and hosts the executor until
// interrupted.
func cmdServe() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kind := selectKind()
	hostCfg := hostConfig(kind)

	// The local host posts from this process, so it needs the desktop
	// surface and the journal here. Both are optional.
	if kind == supervisor.KindLocal {
		if surface, err := openSurface(ctx, nil); err != nil {
			slog.Warn("desktop notifications unavailable, keeping them in memory", "error", err)
		} else {
			defer surface.Close()
			hostCfg.Executor.Surface = surface
		}
		if events, err := journald.Open(""); err != nil {
			slog.Warn("journal unavailable, keeping lifecycle events in memory", "error", err)
		} else {
			defer events.Close()
			hostCfg.Executor.Events = events
		}
	}

	host, err := supervisor.Open(ctx, hostCfg)
	if err != nil {
		fatal("initializing %s backend: %v", kind, err)
	}
	defer host.Close()

	slog.Info("serving", "backend", kind, "channel", bridge.ChannelName)
	if err := bridge.Serve(ctx, bridge.New(host, slog.Default())); err != nil {
		fatal("%v", err)
	}
}

func selectKind() supervisor.Kind {
	if cfg.Backend != "" {
		return supervisor.Kind(cfg.Backend)
	}
	return supervisor.DetectKind()
}

func hostConfig(kind supervisor.Kind) supervisor.Config {
	return supervisor.Config{
		Kind:            kind,
		Executor:        executorConfig(),
		RequestPath:     cfg.RequestPath(),
		ExecutorCommand: findExecutorCommand(),
		Environment:     executorEnv(),
		RestartSec:      time.Duration(cfg.RestartSec),
		RestartBurst:    cfg.RestartBurst,
		RestartInterval: time.Duration(cfg.RestartInterval),
		Logger:          slog.Default(),
	}
}

func executorConfig() service.Config {
	return service.Config{
		Name:         service.DefaultName,
		Channel:      cfg.Channel,
		Notification: cfg.StatusNotification(),
		GraceWindow:  time.Duration(cfg.GraceWindow),
		Logger:       slog.Default(),
	}
}

// executorEnv carries the resolved settings over to the executor process,
// which systemd starts with a clean environment.
func executorEnv() map[string]string {
	return map[string]string{
		"NOTIFYSMS_CONFIG":      configFlag,
		"NOTIFYSMS_STATE_DIR":   cfg.StateDir,
		"NOTIFYSMS_RUNTIME_DIR": cfg.RuntimeDir,
		"NOTIFYSMS_DEBUG":       strconv.FormatBool(cfg.Debug),
	}
}

// findExecutorCommand returns the command systemd runs for the executor
// (this binary with the "executor" subcommand).
func findExecutorCommand() []string {
	self, err := os.Executable()
	if err != nil {
		fatal("cannot find own executable: %v", err)
	}
	return []string{self, "executor"}
}

// openSurface connects to the desktop notification service. launcher may
// be nil, in which case activating the notification does nothing.
func openSurface(ctx context.Context, launcher notify.Launcher) (*freedesktop.Surface, error) {
	return freedesktop.Connect(ctx, freedesktop.Config{
		AppName:  "notifysms",
		Store:    notify.NewChannelStore(cfg.ChannelsPath()),
		Launcher: launcher,
		Logger:   slog.Default(),
	})
}

// openEvents returns the journal, or a log that drops everything when the
// journal is not reachable.
func openEvents() eventlog.EventLog {
	events, err := journald.Open("")
	if err != nil {
		slog.Warn("journal unavailable, lifecycle events are not recorded", "error", err)
		return eventlog.Discard
	}
	return events
}

// entryLauncher launches the application entry unit through the user
// manager, or returns nil if the manager is unreachable.
func entryLauncher(ctx context.Context) (notify.Launcher, func()) {
	sd, err := systemd.ConnectUserSystemd(ctx)
	if err != nil {
		slog.Warn("user manager unavailable, notification action disabled", "error", err)
		return nil, func() {}
	}
	return systemd.Launcher{Systemd: sd}, func() { sd.Close() }
}
