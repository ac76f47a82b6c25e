package notify

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemorySurface is an in-memory Surface. The local host uses it, and tests
// inspect it to observe what the executor posted.
type MemorySurface struct {
	mu       sync.RWMutex
	channels map[string]Channel
	active   map[int]Notification
	posts    int
}

var _ Surface = (*MemorySurface)(nil)

// NewMemorySurface creates an empty surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{
		channels: make(map[string]Channel),
		active:   make(map[int]Notification),
	}
}

// CreateChannel registers ch unless a channel with the same ID exists.
func (m *MemorySurface) CreateChannel(ctx context.Context, ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[ch.ID]; ok {
		return nil
	}
	m.channels[ch.ID] = ch
	return nil
}

// Notify posts n, replacing any active notification with the same ID.
func (m *MemorySurface) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[n.ChannelID]; !ok {
		return fmt.Errorf("posting notification %d: %w: %s", n.ID, ErrUnknownChannel, n.ChannelID)
	}
	m.active[n.ID] = n
	m.posts++
	return nil
}

// Cancel withdraws the notification with the given ID.
func (m *MemorySurface) Cancel(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, id)
	return nil
}

// Close is a no-op.
func (m *MemorySurface) Close() error { return nil }

// Channel returns a registered channel.
func (m *MemorySurface) Channel(id string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Channels returns the IDs of all registered channels, sorted.
func (m *MemorySurface) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.channels))
}

// Active returns the active notification with the given ID.
func (m *MemorySurface) Active(id int) (Notification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.active[id]
	return n, ok
}

// ActiveCount returns the number of notifications currently shown.
func (m *MemorySurface) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Posts returns how many times Notify succeeded.
func (m *MemorySurface) Posts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.posts
}
