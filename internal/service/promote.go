package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Promoter is the host primitive that moves an executor into (and out of)
// the elevated, user-visible state that protects it from being reclaimed.
type Promoter interface {
	Promote(ctx context.Context) error
	Demote(ctx context.Context) error
}

// ErrNoNotifySocket is returned when the process was not started by a
// service manager that listens for readiness notifications.
var ErrNoNotifySocket = errors.New("NOTIFY_SOCKET not set")

// SdNotifyPromoter promotes by reporting readiness to systemd. Under
// Type=notify the manager kills the service if READY=1 does not arrive
// within TimeoutStartSec.
type SdNotifyPromoter struct {
	Status string
}

var _ Promoter = SdNotifyPromoter{}

// Promote sends READY=1.
func (p SdNotifyPromoter) Promote(ctx context.Context) error {
	state := daemon.SdNotifyReady
	if p.Status != "" {
		state += "\nSTATUS=" + p.Status
	}
	return sdNotify(state)
}

// Demote sends STOPPING=1.
func (p SdNotifyPromoter) Demote(ctx context.Context) error {
	return sdNotify(daemon.SdNotifyStopping)
}

func sdNotify(state string) error {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		return fmt.Errorf("sd_notify: %w", err)
	}
	if !sent {
		return ErrNoNotifySocket
	}
	return nil
}

// FlagPromoter records promotion in memory. The local host uses it.
type FlagPromoter struct {
	mu       sync.Mutex
	promoted bool
}

var _ Promoter = (*FlagPromoter)(nil)

func (p *FlagPromoter) Promote(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted = true
	return nil
}

func (p *FlagPromoter) Demote(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted = false
	return nil
}

// Promoted reports whether the executor is currently in the elevated state.
func (p *FlagPromoter) Promoted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.promoted
}
