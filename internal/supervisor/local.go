package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/mbrock/notifysms/internal/eventlog"
	"github.com/mbrock/notifysms/internal/service"
)

func init() {
	Register(KindLocal, func(ctx context.Context, cfg Config) (Host, error) {
		return NewLocal(cfg), nil
	})
}

// ErrClosed is returned for requests made after the host was closed.
var ErrClosed = errors.New("host is closed")

// Local hosts the executor in-process. All lifecycle hooks run on a single
// dispatch goroutine, in the order requests arrive. A reclaimed or failed
// instance is replaced and redelivered a start with no request, up to
// RestartBurst times per RestartInterval.
type Local struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger
	reg   *service.Registration

	jobs   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the dispatch goroutine.
	startID  int
	restarts []time.Time

	mu        sync.Mutex
	exec      *service.Executor
	starting  *service.Executor
	nRestarts int
	limitHit  bool
	closed    bool
}

var _ Host = (*Local)(nil)

// NewLocal starts a local host. cfg should already carry defaults; Open
// takes care of that.
func NewLocal(cfg Config) *Local {
	cfg = withDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		cfg:    cfg,
		clock:  cfg.Clock,
		log:    cfg.Logger.With("backend", KindLocal),
		reg:    &service.Registration{},
		jobs:   make(chan func(), 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.dispatch()
	return l
}

func (l *Local) dispatch() {
	defer close(l.done)
	for {
		select {
		case job := <-l.jobs:
			job()
		case <-l.ctx.Done():
			l.teardown()
			return
		}
	}
}

func (l *Local) enqueue(job func()) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case l.jobs <- job:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// RequestStart queues a start command carrying extras and returns.
func (l *Local) RequestStart(ctx context.Context, extras map[string]string) error {
	req := service.NewStartRequest("bridge", extras)
	return l.enqueue(func() { l.start(req, 0) })
}

// RequestStop queues a stop. A start still promoting is cancelled right
// away instead of waiting its turn.
func (l *Local) RequestStop(ctx context.Context) error {
	l.mu.Lock()
	starting := l.starting
	l.mu.Unlock()
	if starting != nil {
		if err := starting.OnStop(ctx); err != nil {
			l.log.Warn("cancelling start", "error", err)
		}
	}
	return l.enqueue(l.stop)
}

// Reclaim simulates the host killing the executor to recover resources.
// The instance is torn down and, being sticky, started again with no
// request.
func (l *Local) Reclaim(ctx context.Context) error {
	return l.enqueue(l.reclaim)
}

// Sync waits until every request queued before it has been handled.
func (l *Local) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := l.enqueue(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor returns the live executor instance, or nil.
func (l *Local) Executor() *service.Executor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exec
}

// Status reports the state of the live instance.
func (l *Local) Status(ctx context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{Backend: KindLocal, State: service.StateStopped.String(), Restarts: l.nRestarts}
	if l.exec != nil {
		st.State = l.exec.State().String()
	}
	if l.limitHit {
		st.Detail = "restart limit hit"
	}
	return st, nil
}

// Close tears down the executor and stops the dispatch goroutine.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	starting := l.starting
	l.mu.Unlock()

	if starting != nil {
		if err := starting.OnStop(context.Background()); err != nil {
			l.log.Warn("cancelling start on close", "error", err)
		}
	}
	l.cancel()
	<-l.done
	return nil
}

// start delivers a start command, creating the instance first if needed.
func (l *Local) start(req *service.StartRequest, flags service.StartFlags) {
	if l.ctx.Err() != nil {
		return
	}

	l.mu.Lock()
	exec := l.exec
	l.limitHit = false
	l.mu.Unlock()

	if exec == nil {
		execCfg := l.cfg.Executor
		execCfg.Registration = l.reg
		if execCfg.Clock == nil {
			execCfg.Clock = l.clock
		}
		if execCfg.Promoter == nil {
			execCfg.Promoter = &service.FlagPromoter{}
		}
		exec = service.New(execCfg)
		if err := exec.OnCreate(l.ctx); err != nil {
			l.log.Error("creating executor", "error", err)
			l.restart()
			return
		}
		l.mu.Lock()
		l.exec = exec
		l.mu.Unlock()
	}

	l.startID++
	cmd := service.StartCommand{Request: req, Flags: flags, StartID: l.startID}

	l.mu.Lock()
	l.starting = exec
	l.mu.Unlock()

	_, err := exec.OnStart(l.ctx, cmd)

	l.mu.Lock()
	l.starting = nil
	l.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, service.ErrStartCancelled), errors.Is(err, service.ErrStopping):
		l.log.Debug("start abandoned", "start_id", cmd.StartID, "error", err)
	case l.ctx.Err() != nil:
	default:
		l.log.Error("executor failed to start", "start_id", cmd.StartID, "error", err)
		l.discard(exec)
		l.restart()
	}
}

func (l *Local) stop() {
	l.mu.Lock()
	exec := l.exec
	l.mu.Unlock()
	if exec == nil {
		return
	}

	bg := context.WithoutCancel(l.ctx)
	if err := exec.OnStop(bg); err != nil {
		l.log.Warn("stopping executor", "error", err)
	}
	l.discard(exec)
}

func (l *Local) reclaim() {
	l.mu.Lock()
	exec := l.exec
	l.mu.Unlock()
	if exec == nil {
		return
	}

	l.log.Info("reclaiming executor", "state", exec.State())
	if err := eventlog.Emit(l.cfg.Executor.Events, l.name(), eventlog.EventReclaimed, "Executor reclaimed by host", map[string]string{
		eventlog.FieldState: exec.State().String(),
	}); err != nil {
		l.log.Warn("writing lifecycle event", "event", eventlog.EventReclaimed, "error", err)
	}
	l.discard(exec)
	l.restart()
}

// discard tears the instance down and forgets it.
func (l *Local) discard(exec *service.Executor) {
	if err := exec.OnTeardown(context.WithoutCancel(l.ctx)); err != nil {
		l.log.Warn("tearing down executor", "error", err)
	}
	l.mu.Lock()
	if l.exec == exec {
		l.exec = nil
	}
	l.mu.Unlock()
}

// restart schedules the sticky redelivery, unless the instance has been
// restarted too often recently.
func (l *Local) restart() {
	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.RestartInterval)
	kept := l.restarts[:0]
	for _, t := range l.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.restarts = kept

	if len(l.restarts) >= l.cfg.RestartBurst {
		l.log.Error("executor restarted too often, giving up",
			"burst", l.cfg.RestartBurst, "interval", l.cfg.RestartInterval)
		l.mu.Lock()
		l.limitHit = true
		l.mu.Unlock()
		msg := fmt.Sprintf("Start limit of %d per %s hit", l.cfg.RestartBurst, l.cfg.RestartInterval)
		if err := eventlog.Emit(l.cfg.Executor.Events, l.name(), eventlog.EventRestartLimit, msg, nil); err != nil {
			l.log.Warn("writing lifecycle event", "event", eventlog.EventRestartLimit, "error", err)
		}
		return
	}
	l.restarts = append(l.restarts, now)

	l.mu.Lock()
	l.nRestarts++
	l.mu.Unlock()

	redeliver := func() { l.start(nil, service.FlagRetry) }
	if l.cfg.RestartSec <= 0 {
		redeliver()
		return
	}
	l.clock.AfterFunc(l.cfg.RestartSec, func() {
		if err := l.enqueue(redeliver); err != nil {
			l.log.Debug("dropping restart", "error", err)
		}
	})
}

func (l *Local) teardown() {
	l.mu.Lock()
	exec := l.exec
	l.mu.Unlock()
	if exec != nil {
		l.discard(exec)
	}
}

func (l *Local) name() string {
	if l.cfg.Executor.Name != "" {
		return l.cfg.Executor.Name
	}
	return service.DefaultName
}
