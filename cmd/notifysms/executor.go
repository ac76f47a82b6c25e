package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/mbrock/notifysms/internal/service"
)

// cmdExecutor runs the background executor as notifysms-executor.service.
// This is launched by systemd, not by users directly.
func cmdExecutor() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runExecutor(ctx); err != nil {
		fatal("%v", err)
	}
}

func runExecutor(ctx context.Context) error {
	// No request on disk means systemd restarted us (Restart=always).
	req, err := service.ConsumeRequest(cfg.RequestPath())
	if err != nil {
		slog.Warn("discarding start request", "error", err)
		req = nil
	}

	launcher, closeLauncher := entryLauncher(ctx)
	defer closeLauncher()

	surface, err := openSurface(ctx, launcher)
	if err != nil {
		return err
	}
	defer surface.Close()

	events := openEvents()
	defer events.Close()

	execCfg := executorConfig()
	execCfg.Surface = surface
	execCfg.Events = events
	execCfg.Promoter = service.SdNotifyPromoter{Status: cfg.Notification.Text}

	e := service.New(execCfg)
	return service.Run(ctx, e, service.CommandFromRequest(req, 1))
}
