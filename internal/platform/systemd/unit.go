// Package systemd wraps the user systemd manager: the transient executor
// unit, its state, and starting or restarting the application entry point.
package systemd

import "time"

// UnitName is a typed systemd unit name.
type UnitName string

// ExecutorUnit is the single unit the background executor runs in. Using a
// fixed name is what keeps at most one executor alive.
const ExecutorUnit UnitName = "notifysms-executor.service"

// String returns the unit name as a string.
func (u UnitName) String() string {
	return string(u)
}

// UnitState represents the systemd active state.
type UnitState string

const (
	UnitStateActive       UnitState = "active"
	UnitStateActivating   UnitState = "activating"
	UnitStateDeactivating UnitState = "deactivating"
	UnitStateInactive     UnitState = "inactive"
	UnitStateFailed       UnitState = "failed"
)

// Running reports whether the unit is up or on its way up. Systemd
// collapses a start request against a unit in one of these states. A
// deactivating unit is not running: a start has to wait for it.
func (s UnitState) Running() bool {
	return s == UnitStateActive || s == UnitStateActivating
}

// Unit represents a live systemd unit with its properties.
type Unit struct {
	Name        UnitName
	State       UnitState
	SubState    string
	Description string
	Started     time.Time
	MainPID     uint32
	ExitStatus  int32
	NRestarts   uint32
	Result      string
}

// TransientSpec defines properties for starting a transient service unit.
type TransientSpec struct {
	Unit        UnitName
	ServiceType string // "notify", "exec", ...
	Description string
	Environment map[string]string
	Command     []string

	// Restart policy, e.g. "always". Empty leaves the systemd default (no).
	Restart    string
	RestartSec time.Duration

	// StartTimeout bounds how long a Type=notify unit may take to send
	// READY=1 before systemd kills it.
	StartTimeout time.Duration

	// Rate limit on restarts.
	StartLimitBurst    uint32
	StartLimitInterval time.Duration
}
