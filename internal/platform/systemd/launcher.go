package systemd

import (
	"context"
	"fmt"

	"github.com/mbrock/notifysms/internal/notify"
)

// Launcher starts the application entry point, a user unit, when a
// notification action fires. With LaunchClearTask the unit is restarted so
// no earlier instance survives.
type Launcher struct {
	Systemd Systemd
}

var _ notify.Launcher = Launcher{}

// Launch starts or restarts the unit named by a.Target.
func (l Launcher) Launch(ctx context.Context, a notify.Action) error {
	if a.Target == "" {
		return fmt.Errorf("notification action has no target unit")
	}
	unit := UnitName(a.Target)
	if a.Flags&notify.LaunchClearTask != 0 {
		return l.Systemd.RestartUnit(ctx, unit)
	}
	return l.Systemd.StartUnit(ctx, unit)
}
