package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
)

// Systemd provides operations on systemd units via D-Bus.
type Systemd interface {
	// GetUnit retrieves a single unit's properties. Unknown units are
	// reported inactive, as systemd itself does.
	GetUnit(ctx context.Context, name UnitName) (*Unit, error)

	// StartTransient creates a transient unit and queues its start job.
	StartTransient(ctx context.Context, spec TransientSpec) error

	// StartUnit starts a persistent unit, blocking until complete.
	StartUnit(ctx context.Context, name UnitName) error

	// RestartUnit stops and starts a unit, blocking until complete.
	RestartUnit(ctx context.Context, name UnitName) error

	// QueueStart queues a start job for a loaded unit without waiting for
	// it. A unit still deactivating starts once the stop has finished.
	QueueStart(ctx context.Context, name UnitName) error

	// StopUnit queues a stop job and returns. The unit deactivates in the
	// background; a start job queued behind it is replaced.
	StopUnit(ctx context.Context, name UnitName) error

	// ResetFailedUnit clears the failed state (and restart counters) of a unit.
	ResetFailedUnit(ctx context.Context, name UnitName) error

	// Close releases the D-Bus connection.
	Close() error
}

// systemdConn implements Systemd using go-systemd/dbus.
type systemdConn struct {
	conn *dbus.Conn
}

// ConnectUserSystemd connects to the user's systemd instance.
func ConnectUserSystemd(ctx context.Context) (Systemd, error) {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to user systemd: %w", err)
	}
	return &systemdConn{conn: conn}, nil
}

// Available reports whether a systemd user manager owns its name on the
// session bus.
func Available() bool {
	conn, err := godbus.ConnectSessionBus()
	if err != nil {
		return false
	}
	defer conn.Close()

	var owner string
	err = conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus").
		Call("org.freedesktop.DBus.GetNameOwner", 0, "org.freedesktop.systemd1").
		Store(&owner)

	return err == nil && owner != ""
}

// Close releases the D-Bus connection.
func (s *systemdConn) Close() error {
	s.conn.Close()
	return nil
}

// GetUnit retrieves a single unit's properties.
func (s *systemdConn) GetUnit(ctx context.Context, name UnitName) (*Unit, error) {
	unitProps, err := s.conn.GetUnitPropertiesContext(ctx, name.String())
	if err != nil {
		return nil, fmt.Errorf("getting unit properties: %w", err)
	}

	unit := &Unit{Name: name, State: UnitStateInactive}
	if st, ok := unitProps["ActiveState"].(string); ok {
		unit.State = UnitState(st)
	}
	if sub, ok := unitProps["SubState"].(string); ok {
		unit.SubState = sub
	}
	if desc, ok := unitProps["Description"].(string); ok {
		unit.Description = desc
	}
	if ts, ok := unitProps["ActiveEnterTimestamp"].(uint64); ok && ts > 0 {
		unit.Started = time.UnixMicro(int64(ts))
	}

	// Service properties are missing for units that were never loaded.
	serviceProps, err := s.conn.GetUnitTypePropertiesContext(ctx, name.String(), "Service")
	if err == nil {
		if pid, ok := serviceProps["MainPID"].(uint32); ok {
			unit.MainPID = pid
		}
		if es, ok := serviceProps["ExecMainStatus"].(int32); ok {
			unit.ExitStatus = es
		}
		if n, ok := serviceProps["NRestarts"].(uint32); ok {
			unit.NRestarts = n
		}
		if r, ok := serviceProps["Result"].(string); ok {
			unit.Result = r
		}
	}

	return unit, nil
}

// waitJob waits for a queued job's result.
func waitJob(ctx context.Context, what string, resultChan <-chan string) error {
	select {
	case result := <-resultChan:
		if result != "done" {
			return fmt.Errorf("%s job failed: %s", what, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopUnit queues a stop job. A nil result channel leaves the job untracked.
func (s *systemdConn) StopUnit(ctx context.Context, name UnitName) error {
	if _, err := s.conn.StopUnitContext(ctx, name.String(), "replace", nil); err != nil {
		return fmt.Errorf("stopping unit: %w", err)
	}
	return nil
}

// QueueStart queues a start job without waiting for its result.
func (s *systemdConn) QueueStart(ctx context.Context, name UnitName) error {
	if _, err := s.conn.StartUnitContext(ctx, name.String(), "replace", nil); err != nil {
		return fmt.Errorf("queueing unit start: %w", err)
	}
	return nil
}

// StartUnit starts a persistent unit, blocking until complete.
func (s *systemdConn) StartUnit(ctx context.Context, name UnitName) error {
	resultChan := make(chan string, 1)
	if _, err := s.conn.StartUnitContext(ctx, name.String(), "replace", resultChan); err != nil {
		return fmt.Errorf("starting unit: %w", err)
	}
	return waitJob(ctx, "start", resultChan)
}

// RestartUnit restarts a unit, blocking until complete.
func (s *systemdConn) RestartUnit(ctx context.Context, name UnitName) error {
	resultChan := make(chan string, 1)
	if _, err := s.conn.RestartUnitContext(ctx, name.String(), "replace", resultChan); err != nil {
		return fmt.Errorf("restarting unit: %w", err)
	}
	return waitJob(ctx, "restart", resultChan)
}

// ResetFailedUnit clears a unit's failed state.
func (s *systemdConn) ResetFailedUnit(ctx context.Context, name UnitName) error {
	if err := s.conn.ResetFailedUnitContext(ctx, name.String()); err != nil {
		return fmt.Errorf("resetting failed unit: %w", err)
	}
	return nil
}

// StartTransient creates a transient unit and queues its start job.
func (s *systemdConn) StartTransient(ctx context.Context, spec TransientSpec) error {
	props := []dbus.Property{
		dbus.PropExecStart(spec.Command, false),
		dbus.PropDescription(spec.Description),
		{Name: "StandardOutput", Value: godbus.MakeVariant("journal")},
		{Name: "StandardError", Value: godbus.MakeVariant("journal")},
	}

	if spec.ServiceType != "" {
		props = append(props, dbus.PropType(spec.ServiceType))
	}

	if len(spec.Environment) > 0 {
		envList := make([]string, 0, len(spec.Environment))
		for k, v := range spec.Environment {
			envList = append(envList, k+"="+v)
		}
		props = append(props, dbus.Property{
			Name:  "Environment",
			Value: godbus.MakeVariant(envList),
		})
	}

	if spec.Restart != "" {
		props = append(props, dbus.Property{
			Name:  "Restart",
			Value: godbus.MakeVariant(spec.Restart),
		})
	}
	if spec.RestartSec > 0 {
		props = append(props, dbus.Property{
			Name:  "RestartUSec",
			Value: godbus.MakeVariant(uint64(spec.RestartSec.Microseconds())),
		})
	}
	if spec.StartTimeout > 0 {
		props = append(props, dbus.Property{
			Name:  "TimeoutStartUSec",
			Value: godbus.MakeVariant(uint64(spec.StartTimeout.Microseconds())),
		})
	}
	if spec.StartLimitBurst > 0 {
		props = append(props,
			dbus.Property{
				Name:  "StartLimitBurst",
				Value: godbus.MakeVariant(spec.StartLimitBurst),
			},
			dbus.Property{
				Name:  "StartLimitIntervalUSec",
				Value: godbus.MakeVariant(uint64(spec.StartLimitInterval.Microseconds())),
			},
		)
	}

	// The job is only queued. For Type=notify it completes once READY=1
	// arrives or the start times out; callers do not wait for that.
	if _, err := s.conn.StartTransientUnitContext(ctx, spec.Unit.String(), "replace", props, nil); err != nil {
		return fmt.Errorf("starting transient unit: %w", err)
	}
	return nil
}
