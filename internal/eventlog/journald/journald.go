// Package journald provides an EventLog backed by systemd-journald:
// entries are sent with go-systemd/journal and read back through
// go-systemd/sdjournal (libsystemd, loaded at runtime).
package journald

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/coreos/go-systemd/v22/sdjournal"

	"github.com/mbrock/notifysms/internal/eventlog"
)

// identifier is attached as SYSLOG_IDENTIFIER so `journalctl -t notifysms` works.
const identifier = "notifysms"

// EventLog writes to and reads from the journal.
type EventLog struct {
	dir string

	mu      sync.Mutex
	journal *sdjournal.Journal // opened lazily; writers never need it
}

var _ eventlog.EventLog = (*EventLog)(nil)

// Open returns a journald-backed log. If dir is non-empty (or
// NOTIFYSMS_JOURNAL_DIR is set) entries are read from that directory
// instead of the default journal.
func Open(dir string) (*EventLog, error) {
	if v := os.Getenv("NOTIFYSMS_JOURNAL_DIR"); v != "" {
		dir = v
	}
	if !journal.Enabled() {
		return nil, fmt.Errorf("journald socket not available")
	}
	return &EventLog{dir: dir}, nil
}

// Write sends an entry to journald.
func (l *EventLog) Write(message string, fields map[string]string) error {
	withID := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		withID[k] = v
	}
	withID["SYSLOG_IDENTIFIER"] = identifier

	slog.Debug("journald eventlog writing", "message", message, "event", fields[eventlog.FieldEvent])
	return journal.Send(message, journal.PriInfo, withID)
}

func (l *EventLog) reader() (*sdjournal.Journal, error) {
	if l.journal != nil {
		return l.journal, nil
	}
	var (
		j   *sdjournal.Journal
		err error
	)
	if l.dir != "" {
		j, err = sdjournal.NewJournalFromDir(l.dir)
	} else {
		j, err = sdjournal.NewJournal()
	}
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	l.journal = j
	return j, nil
}

func applyMatches(j *sdjournal.Journal, filters []eventlog.EventFilter) error {
	j.FlushMatches()
	for _, f := range filters {
		if err := j.AddMatch(f.Field + "=" + f.Value); err != nil {
			return fmt.Errorf("adding match %s=%s: %w", f.Field, f.Value, err)
		}
	}
	return nil
}

// Poll reads entries matching filters since cursor.
func (l *EventLog) Poll(ctx context.Context, filters []eventlog.EventFilter, cursor string) ([]eventlog.EventRecord, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, err := l.reader()
	if err != nil {
		return nil, "", err
	}

	// Wait(0) is sd_journal_process(): pick up entries written since the last call.
	j.Wait(0)

	if err := applyMatches(j, filters); err != nil {
		return nil, "", err
	}

	if cursor != "" {
		if err := j.SeekCursor(cursor); err == nil {
			j.Next() // Skip the cursor entry itself
		} else {
			j.SeekHead()
		}
	} else {
		j.SeekHead()
	}

	var entries []eventlog.EventRecord
	var lastCursor string
	for {
		n, err := j.Next()
		if err != nil {
			return nil, "", fmt.Errorf("reading journal: %w", err)
		}
		if n == 0 {
			break
		}
		rec, err := parseEntry(j)
		if err != nil {
			continue
		}
		entries = append(entries, rec)
		lastCursor = rec.Cursor
	}
	return entries, lastCursor, nil
}

// Follow returns an iterator over entries matching filters.
func (l *EventLog) Follow(ctx context.Context, filters []eventlog.EventFilter) iter.Seq[eventlog.EventRecord] {
	return func(yield func(eventlog.EventRecord) bool) {
		l.mu.Lock()
		defer l.mu.Unlock()

		j, err := l.reader()
		if err != nil {
			return
		}
		if err := applyMatches(j, filters); err != nil {
			return
		}
		j.SeekHead()

		for {
			n, err := j.Next()
			if err != nil {
				return
			}
			if n == 0 {
				waitCh := make(chan struct{})
				go func() {
					j.Wait(time.Second)
					close(waitCh)
				}()
				select {
				case <-ctx.Done():
					<-waitCh
					return
				case <-waitCh:
					continue
				}
			}

			rec, err := parseEntry(j)
			if err != nil {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func parseEntry(j *sdjournal.Journal) (eventlog.EventRecord, error) {
	raw, err := j.GetEntry()
	if err != nil {
		return eventlog.EventRecord{}, err
	}
	cursor, _ := j.GetCursor()
	return eventlog.EventRecord{
		Cursor:    cursor,
		Timestamp: time.UnixMicro(int64(raw.RealtimeTimestamp)),
		Message:   raw.Fields["MESSAGE"],
		Fields:    raw.Fields,
	}, nil
}

// Close releases the journal reader, if one was opened.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return nil
	}
	err := l.journal.Close()
	l.journal = nil
	return err
}
