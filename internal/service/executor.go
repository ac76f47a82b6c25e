// Package service implements the background executor: a plain state object
// whose lifecycle hooks (OnCreate, OnStart, OnBind, OnStop, OnTeardown) are
// driven by a host, and which keeps itself alive by posting a persistent
// status notification and promoting itself to the host's elevated state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/mbrock/notifysms/internal/eventlog"
	"github.com/mbrock/notifysms/internal/notify"
)

// DefaultName identifies the executor in logs and events.
const DefaultName = "sms_background_service"

// DefaultGraceWindow is how long a start may take to post its notification
// and promote before the instance is considered dead.
const DefaultGraceWindow = 10 * time.Second

var (
	// ErrPromotionTimeout is fatal to the executor instance. Recovery is
	// left to the host's sticky restart.
	ErrPromotionTimeout = errors.New("promotion to foreground timed out")

	// ErrStartCancelled is returned by OnStart when OnStop interrupted it.
	ErrStartCancelled = errors.New("start cancelled by stop")

	// ErrStopping is returned by OnStart while a stop is being carried out.
	ErrStopping = errors.New("executor is stopping")
)

// Config configures an Executor.
type Config struct {
	Name         string
	Channel      notify.Channel
	Notification notify.Notification
	Surface      notify.Surface
	Promoter     Promoter
	Events       eventlog.EventLog
	Clock        clock.Clock
	GraceWindow  time.Duration
	Registration *Registration // defaults to the process-wide registration
	Logger       *slog.Logger

	// Observer, if set, is called on every state change with the
	// executor's lock held. It must not call back into the executor.
	Observer func(from, to State)
}

// Executor is the background executor state machine.
type Executor struct {
	name         string
	channel      notify.Channel
	notification notify.Notification
	surface      notify.Surface
	promoter     Promoter
	events       eventlog.EventLog
	clock        clock.Clock
	grace        time.Duration
	reg          *Registration
	log          *slog.Logger
	observer     func(from, to State)

	mu          sync.Mutex
	state       State
	request     *StartRequest
	startID     int
	cancelStart context.CancelCauseFunc
	startDone   chan struct{}
}

// New creates an executor in StateStopped.
func New(cfg Config) *Executor {
	if cfg.Surface == nil {
		panic("service: executor needs a notification surface")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Notification.ChannelID == "" {
		cfg.Notification.ChannelID = cfg.Channel.ID
	}
	if cfg.Promoter == nil {
		cfg.Promoter = &FlagPromoter{}
	}
	if cfg.Events == nil {
		cfg.Events = eventlog.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Registration == nil {
		cfg.Registration = &processRegistration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Executor{
		name:         cfg.Name,
		channel:      cfg.Channel,
		notification: cfg.Notification,
		surface:      cfg.Surface,
		promoter:     cfg.Promoter,
		events:       cfg.Events,
		clock:        cfg.Clock,
		grace:        cfg.GraceWindow,
		reg:          cfg.Registration,
		log:          cfg.Logger.With("service", cfg.Name),
		observer:     cfg.Observer,
	}
}

// State returns the current lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Request returns the request of the start that brought the executor up,
// nil after a sticky restart.
func (e *Executor) Request() *StartRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request
}

// StartID returns the ID of the most recent start command.
func (e *Executor) StartID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startID
}

// OnCreate is called once when the host creates the executor.
func (e *Executor) OnCreate(ctx context.Context) error {
	e.emit(eventlog.EventCreated, "Executor created", nil)
	if err := e.reg.Ensure(ctx, e.surface, e.channel); err != nil {
		return fmt.Errorf("registering notification channel: %w", err)
	}
	return nil
}

// OnBind answers a bind request. Bound clients are not supported.
func (e *Executor) OnBind() bool {
	e.emit(eventlog.EventBindDeclined, "Bind request declined", nil)
	return false
}

// OnStart handles a start command. It posts the status notification and
// promotes within the grace window before returning, so the notification
// exists by the time control goes back to the host. A start on a running
// executor re-posts the same notification.
//
// Any error other than ErrStartCancelled is fatal to this instance; the
// returned StartMode tells the host how to restart it.
func (e *Executor) OnStart(ctx context.Context, cmd StartCommand) (StartMode, error) {
	e.mu.Lock()
	switch e.state {
	case StateStopping:
		e.mu.Unlock()
		return StartSticky, ErrStopping
	case StateStarting:
		e.startID = cmd.StartID
		e.mu.Unlock()
		e.emitStart(cmd)
		return StartSticky, nil
	}

	startCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	defer close(done)

	e.cancelStart, e.startDone = cancel, done
	e.startID = cmd.StartID
	if e.state == StateStopped {
		e.request = cmd.Request
		e.setState(StateStarting)
	}
	e.mu.Unlock()

	e.emitStart(cmd)

	timer := e.clock.AfterFunc(e.grace, func() { cancel(ErrPromotionTimeout) })
	err := e.promote(startCtx)
	timer.Stop()
	cause := context.Cause(startCtx)
	cancel(nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelStart, e.startDone = nil, nil

	// A cancelled parent means the host is stopping the process, which is a
	// stop rather than a failed promotion.
	if !errors.Is(cause, ErrPromotionTimeout) && ctx.Err() != nil {
		cause = ErrStartCancelled
	}
	if errors.Is(cause, ErrStartCancelled) {
		if werr := e.withdraw(context.WithoutCancel(ctx)); werr != nil {
			e.log.Warn("withdrawing notification of cancelled start", "error", werr)
		}
		e.setState(StateStopped)
		e.request = nil
		e.emit(eventlog.EventStopped, "Executor stopped during start", nil)
		return StartSticky, ErrStartCancelled
	}

	switch {
	case errors.Is(cause, ErrPromotionTimeout):
		err = fmt.Errorf("%w after %s", ErrPromotionTimeout, e.grace)
	case err == nil && cause != nil:
		err = cause
	case err != nil:
		err = fmt.Errorf("promoting to foreground: %w", err)
	}
	if err != nil {
		if werr := e.withdraw(context.WithoutCancel(ctx)); werr != nil {
			e.log.Warn("withdrawing notification after failed start", "error", werr)
		}
		e.setState(StateStopped)
		e.request = nil
		e.log.Error("start failed", "start_id", cmd.StartID, "error", err)
		e.emit(eventlog.EventPromotionFailed, "Promotion to foreground failed", map[string]string{
			eventlog.FieldError: err.Error(),
		})
		return StartSticky, err
	}

	if e.state == StateStarting {
		e.setState(StateRunning)
		e.emit(eventlog.EventRunning, "Executor running", nil)
	}
	return StartSticky, nil
}

// OnStop handles an explicit stop. A start still in flight is cancelled and
// waited for. Stopping a stopped executor is a no-op.
func (e *Executor) OnStop(ctx context.Context) error {
	e.mu.Lock()
	e.cancelInFlightLocked()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.setState(StateStopping)
	e.mu.Unlock()

	err := e.withdraw(ctx)

	e.mu.Lock()
	e.setState(StateStopped)
	e.request = nil
	e.mu.Unlock()

	e.emit(eventlog.EventStopped, "Executor stopped", nil)
	if err != nil {
		return fmt.Errorf("withdrawing status notification: %w", err)
	}
	return nil
}

// OnTeardown is called when the host destroys the executor, whether or not
// it was stopped first. The notification is withdrawn unconditionally.
func (e *Executor) OnTeardown(ctx context.Context) error {
	e.mu.Lock()
	e.cancelInFlightLocked()
	was := e.state
	e.setState(StateStopped)
	e.request = nil
	e.mu.Unlock()

	err := e.withdraw(ctx)
	e.emit(eventlog.EventTeardown, "Executor torn down", map[string]string{
		eventlog.FieldState: was.String(),
	})
	return err
}

// cancelInFlightLocked cancels a running OnStart and waits for it to finish.
// It drops and re-acquires e.mu while waiting.
func (e *Executor) cancelInFlightLocked() {
	if e.cancelStart == nil {
		return
	}
	cancel, done := e.cancelStart, e.startDone
	e.mu.Unlock()
	cancel(ErrStartCancelled)
	<-done
	e.mu.Lock()
}

func (e *Executor) promote(ctx context.Context) error {
	if err := e.reg.Ensure(ctx, e.surface, e.channel); err != nil {
		return fmt.Errorf("registering notification channel: %w", err)
	}
	if err := e.surface.Notify(ctx, e.notification); err != nil {
		return fmt.Errorf("posting status notification: %w", err)
	}
	return e.promoter.Promote(ctx)
}

func (e *Executor) withdraw(ctx context.Context) error {
	return errors.Join(
		e.surface.Cancel(ctx, e.notification.ID),
		e.promoter.Demote(ctx),
	)
}

// setState must be called with e.mu held.
func (e *Executor) setState(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.log.Debug("state change", "from", from, "to", to)
	if e.observer != nil {
		e.observer(from, to)
	}
}

func (e *Executor) emitStart(cmd StartCommand) {
	e.log.Info("start command", "start_id", cmd.StartID, "request", cmd.RequestID(), "flags", cmd.Flags)
	if err := eventlog.EmitStartCommand(e.events, e.name, cmd.StartID, cmd.RequestID(), cmd.Flags.String()); err != nil {
		e.log.Warn("writing lifecycle event", "event", eventlog.EventStartCommand, "error", err)
	}
}

func (e *Executor) emit(event, message string, extra map[string]string) {
	if err := eventlog.Emit(e.events, e.name, event, message, extra); err != nil {
		e.log.Warn("writing lifecycle event", "event", event, "error", err)
	}
}
