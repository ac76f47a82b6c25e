package eventlog

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"strconv"
	"sync"
	"time"
)

// MemoryEventLog is an in-memory EventLog. The local host uses it, and unit
// tests assert on its Entries.
type MemoryEventLog struct {
	mu      sync.RWMutex
	entries []EventRecord
	cursor  int64 // Next cursor to assign
	closed  bool
}

var _ EventLog = (*MemoryEventLog)(nil)

// NewMemoryEventLog creates an empty log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

// Write appends a structured entry.
func (m *MemoryEventLog) Write(message string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("event log closed")
	}

	m.cursor++
	m.entries = append(m.entries, EventRecord{
		Cursor:    strconv.FormatInt(m.cursor, 10),
		Timestamp: time.Now(),
		Message:   message,
		Fields:    maps.Clone(fields),
	})
	return nil
}

// Poll reads entries matching filters since cursor.
func (m *MemoryEventLog) Poll(ctx context.Context, filters []EventFilter, cursor string) ([]EventRecord, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, "", fmt.Errorf("event log closed")
	}

	start := 0
	if cursor != "" {
		for i, e := range m.entries {
			if e.Cursor == cursor {
				start = i + 1
				break
			}
		}
	}

	var result []EventRecord
	var lastCursor string
	for _, e := range m.entries[start:] {
		if matchesFilters(e, filters) {
			result = append(result, copyEntry(e))
			lastCursor = e.Cursor
		}
	}
	return result, lastCursor, nil
}

// Follow returns an iterator over entries matching filters, waiting for new
// entries until ctx is cancelled or the log is closed.
func (m *MemoryEventLog) Follow(ctx context.Context, filters []EventFilter) iter.Seq[EventRecord] {
	return func(yield func(EventRecord) bool) {
		idx := 0
		for {
			m.mu.RLock()
			if m.closed {
				m.mu.RUnlock()
				return
			}
			pending := make([]EventRecord, 0, len(m.entries)-idx)
			for ; idx < len(m.entries); idx++ {
				if matchesFilters(m.entries[idx], filters) {
					pending = append(pending, copyEntry(m.entries[idx]))
				}
			}
			m.mu.RUnlock()

			for _, e := range pending {
				if !yield(e) {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// Close marks the log closed.
func (m *MemoryEventLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Entries returns a copy of all entries.
func (m *MemoryEventLog) Entries() []EventRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]EventRecord, len(m.entries))
	for i, e := range m.entries {
		result[i] = copyEntry(e)
	}
	return result
}

// Events returns the FieldEvent value of every entry, in order.
func (m *MemoryEventLog) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		kinds = append(kinds, e.Fields[FieldEvent])
	}
	return kinds
}

// matchesFilters checks if an entry matches all the given filters.
// Empty filters match all entries.
func matchesFilters(entry EventRecord, filters []EventFilter) bool {
	for _, f := range filters {
		value, ok := entry.Fields[f.Field]
		if !ok || value != f.Value {
			return false
		}
	}
	return true
}

func copyEntry(e EventRecord) EventRecord {
	e.Fields = maps.Clone(e.Fields)
	return e
}
