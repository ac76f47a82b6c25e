package service

import (
	"context"
	"sync"

	"github.com/mbrock/notifysms/internal/notify"
)

// Registration tracks whether the notification channel has been registered
// in this process. It is only reset by the process exiting.
type Registration struct {
	mu   sync.Mutex
	done bool
}

// processRegistration is shared by every executor in the process.
var processRegistration Registration

// Ensure registers ch on surface the first time it is called successfully.
// Later calls return nil without touching the surface.
func (r *Registration) Ensure(ctx context.Context, surface notify.Surface, ch notify.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil
	}
	if err := surface.CreateChannel(ctx, ch); err != nil {
		return err
	}
	r.done = true
	return nil
}

// Done reports whether registration has happened.
func (r *Registration) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}
