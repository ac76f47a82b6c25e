// Package notify models the notification surface the background executor
// posts to: a registry of notification channels and a set of notification
// slots keyed by numeric identity.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Importance mirrors the channel importance levels a user can pick.
type Importance int

const (
	ImportanceNone Importance = iota
	ImportanceMin
	ImportanceLow
	ImportanceDefault
	ImportanceHigh
)

var importanceNames = map[Importance]string{
	ImportanceNone:    "none",
	ImportanceMin:     "min",
	ImportanceLow:     "low",
	ImportanceDefault: "default",
	ImportanceHigh:    "high",
}

func (i Importance) String() string {
	if s, ok := importanceNames[i]; ok {
		return s
	}
	return fmt.Sprintf("importance(%d)", int(i))
}

// MarshalText implements encoding.TextMarshaler so channel files stay readable.
func (i Importance) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Importance) UnmarshalText(b []byte) error {
	for k, v := range importanceNames {
		if v == string(b) {
			*i = k
			return nil
		}
	}
	return fmt.Errorf("unknown importance %q", b)
}

// Channel is the immutable identity of a notification channel.
type Channel struct {
	ID          string     `toml:"id"`
	Name        string     `toml:"name"`
	Description string     `toml:"description"`
	Importance  Importance `toml:"importance"`
	ShowBadge   bool       `toml:"show_badge"`
}

// LaunchFlags control how the entry point is brought up when a
// notification action fires.
type LaunchFlags uint

const (
	LaunchNewTask LaunchFlags = 1 << iota
	LaunchClearTask
)

// Action is a pending action back into the application's entry point.
type Action struct {
	Label  string
	Target string // entry point, e.g. a systemd unit name
	Flags  LaunchFlags
}

// Notification is a single posted notification.
type Notification struct {
	ID         int
	ChannelID  string
	Title      string
	Text       string
	Icon       string
	Ongoing    bool
	AutoCancel bool
	Action     *Action
}

// ErrUnknownChannel is returned when posting to a channel nobody registered.
var ErrUnknownChannel = errors.New("notification channel not registered")

// Surface is the host notification service.
//
// CreateChannel is idempotent: registering an id that already exists is a
// no-op and keeps whatever settings the first registration (or the user)
// left in place. Notify replaces any notification with the same ID.
// Cancel of an absent ID is not an error.
type Surface interface {
	CreateChannel(ctx context.Context, ch Channel) error
	Notify(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id int) error
	Close() error
}

// Launcher brings up the application entry point named by an Action.
type Launcher interface {
	Launch(ctx context.Context, a Action) error
}
