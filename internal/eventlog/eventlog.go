package eventlog

import (
	"context"
	"iter"
	"maps"
	"strconv"
	"time"
)

// EventRecord represents a single persisted event.
type EventRecord struct {
	Cursor    string
	Timestamp time.Time
	Message   string
	Fields    map[string]string
}

// EventFilter describes a simple equality match for queries.
type EventFilter struct {
	Field string
	Value string
}

// FilterByEvent creates a filter for a lifecycle event kind (running, stopped, ...).
func FilterByEvent(kind string) EventFilter {
	return EventFilter{Field: FieldEvent, Value: kind}
}

// FilterByService creates a filter for the executor identity field.
func FilterByService(name string) EventFilter {
	return EventFilter{Field: FieldService, Value: name}
}

// EventLog provides semantic operations for storing and reading lifecycle
// events. The default implementation is backed by systemd-journald, but
// callers only see domain concepts.
type EventLog interface {
	// Write sends a structured entry to the backing store.
	Write(message string, fields map[string]string) error

	// Poll reads entries matching filters since cursor.
	Poll(ctx context.Context, filters []EventFilter, cursor string) ([]EventRecord, string, error)

	// Follow returns an iterator over entries matching filters.
	Follow(ctx context.Context, filters []EventFilter) iter.Seq[EventRecord]

	// Close releases any resources.
	Close() error
}

// Lifecycle event constants.
const (
	EventCreated         = "created"
	EventStartCommand    = "start-command"
	EventRunning         = "running"
	EventStopped         = "stopped"
	EventTeardown        = "teardown"
	EventPromotionFailed = "promotion-failed"
	EventBindDeclined    = "bind-declined"
	EventReclaimed       = "reclaimed"
	EventRestartLimit    = "restart-limit"
)

// Event field names.
const (
	FieldEvent   = "NOTIFYSMS_EVENT"
	FieldService = "NOTIFYSMS_SERVICE"
	FieldState   = "NOTIFYSMS_STATE"
	FieldStartID = "NOTIFYSMS_START_ID"
	FieldRequest = "NOTIFYSMS_REQUEST"
	FieldFlags   = "NOTIFYSMS_FLAGS"
	FieldError   = "NOTIFYSMS_ERROR"
)

// Emit writes a lifecycle event for service. extra may be nil.
func Emit(log EventLog, service, event, message string, extra map[string]string) error {
	fields := map[string]string{
		FieldEvent:   event,
		FieldService: service,
	}
	maps.Copy(fields, extra)
	return log.Write(message, fields)
}

// EmitStartCommand records a delivered start command.
func EmitStartCommand(log EventLog, service string, startID int, requestID string, flags string) error {
	if requestID == "" {
		requestID = "-"
	}
	return Emit(log, service, EventStartCommand, "Start command delivered", map[string]string{
		FieldStartID: strconv.Itoa(startID),
		FieldRequest: requestID,
		FieldFlags:   flags,
	})
}

// Discard is an EventLog that drops writes and never yields entries.
var Discard EventLog = discard{}

type discard struct{}

func (discard) Write(string, map[string]string) error { return nil }
func (discard) Poll(context.Context, []EventFilter, string) ([]EventRecord, string, error) {
	return nil, "", nil
}
func (discard) Follow(context.Context, []EventFilter) iter.Seq[EventRecord] {
	return func(func(EventRecord) bool) {}
}
func (discard) Close() error { return nil }
