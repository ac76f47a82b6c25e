package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/mbrock/notifysms/internal/platform/systemd"
	"github.com/mbrock/notifysms/internal/service"
)

func init() {
	Register(KindSystemd, func(ctx context.Context, cfg Config) (Host, error) {
		sd := cfg.Systemd
		if sd == nil {
			var err error
			sd, err = systemd.ConnectUserSystemd(ctx)
			if err != nil {
				return nil, err
			}
		}
		return NewSystemd(sd, cfg)
	})
}

// Systemd runs the executor as a transient unit of the user's service
// manager. Restart=always gives the sticky policy, and Type=notify with
// TimeoutStartSec set to the grace window makes a missing READY=1 fatal.
type Systemd struct {
	sd          systemd.Systemd
	unit        systemd.UnitName
	requestPath string
	spec        systemd.TransientSpec
	log         *slog.Logger
}

var _ Host = (*Systemd)(nil)

// NewSystemd returns a host that manages the executor unit through sd.
func NewSystemd(sd systemd.Systemd, cfg Config) (*Systemd, error) {
	cfg = withDefaults(cfg)
	if len(cfg.ExecutorCommand) == 0 {
		return nil, errors.New("executor command is empty")
	}
	if cfg.RequestPath == "" {
		return nil, errors.New("request path is empty")
	}

	return &Systemd{
		sd:          sd,
		unit:        systemd.ExecutorUnit,
		requestPath: cfg.RequestPath,
		spec: systemd.TransientSpec{
			Unit:               systemd.ExecutorUnit,
			ServiceType:        "notify",
			Description:        cfg.ServiceDescription,
			Environment:        cfg.Environment,
			Command:            cfg.ExecutorCommand,
			Restart:            "always",
			RestartSec:         cfg.RestartSec,
			StartTimeout:       cfg.Executor.GraceWindow,
			StartLimitBurst:    uint32(cfg.RestartBurst),
			StartLimitInterval: cfg.RestartInterval,
		},
		log: cfg.Logger.With("backend", KindSystemd, "unit", systemd.ExecutorUnit),
	}, nil
}

// RequestStart hands the request to the executor and queues the unit's
// start. If the unit is already up the start collapses into it. A unit
// still going down gets a start job queued behind its stop.
func (s *Systemd) RequestStart(ctx context.Context, extras map[string]string) error {
	unit, err := s.sd.GetUnit(ctx, s.unit)
	if err != nil {
		return err
	}
	if unit.State.Running() {
		s.log.Info("executor already running, start collapsed", "state", unit.State)
		return nil
	}
	if unit.State == systemd.UnitStateFailed {
		if err := s.sd.ResetFailedUnit(ctx, s.unit); err != nil {
			return err
		}
	}

	req := service.NewStartRequest("bridge", extras)
	if err := service.WriteRequest(s.requestPath, req); err != nil {
		return err
	}
	if unit.State == systemd.UnitStateDeactivating {
		err = s.sd.QueueStart(ctx, s.unit)
	} else {
		err = s.sd.StartTransient(ctx, s.spec)
	}
	if err != nil {
		if rmErr := os.Remove(s.requestPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.log.Warn("removing unused start request", "error", rmErr)
		}
		return err
	}
	s.log.Info("executor start queued", "request", req.ID, "state", unit.State)
	return nil
}

// RequestStop queues the unit's stop and returns without waiting for the
// executor to go down. Stopping an inactive unit is a no-op.
func (s *Systemd) RequestStop(ctx context.Context) error {
	unit, err := s.sd.GetUnit(ctx, s.unit)
	if err != nil {
		return err
	}
	switch unit.State {
	case systemd.UnitStateInactive, systemd.UnitStateFailed:
		return nil
	}
	if err := s.sd.StopUnit(ctx, s.unit); err != nil {
		return fmt.Errorf("stopping executor: %w", err)
	}
	return nil
}

// Status reports the unit's state.
func (s *Systemd) Status(ctx context.Context) (Status, error) {
	unit, err := s.sd.GetUnit(ctx, s.unit)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Backend:  KindSystemd,
		State:    string(unit.State),
		Restarts: int(unit.NRestarts),
	}
	if unit.SubState != "" {
		st.Detail = unit.SubState
	}
	if unit.Result != "" && unit.Result != "success" {
		st.Detail += " (" + unit.Result + ")"
	}
	return st, nil
}

// Close releases the manager connection.
func (s *Systemd) Close() error {
	return s.sd.Close()
}
