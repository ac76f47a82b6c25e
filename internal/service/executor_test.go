package service

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/mbrock/notifysms/internal/eventlog"
	"github.com/mbrock/notifysms/internal/notify"
)

var (
	testChannel = notify.Channel{
		ID:          "sms_background_service",
		Name:        "SMS Background Service",
		Description: "Serviço para envio de SMS em background",
		Importance:  notify.ImportanceLow,
	}
	testNotification = notify.Notification{
		ID:         1,
		Title:      "Notify SMS",
		Text:       "Enviando mensagens em background...",
		Ongoing:    true,
		AutoCancel: false,
		Action:     &notify.Action{Target: "notifysms-app.service", Flags: notify.LaunchNewTask | notify.LaunchClearTask},
	}
)

type transition struct{ from, to State }

type harness struct {
	exec     *Executor
	surface  *notify.MemorySurface
	events   *eventlog.MemoryEventLog
	promoter *FlagPromoter

	mu          sync.Mutex
	transitions []transition
}

func (h *harness) Transitions() []transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.transitions)
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		surface:  notify.NewMemorySurface(),
		events:   eventlog.NewMemoryEventLog(),
		promoter: &FlagPromoter{},
	}
	cfg := Config{
		Channel:      testChannel,
		Notification: testNotification,
		Surface:      h.surface,
		Promoter:     h.promoter,
		Events:       h.events,
		Registration: &Registration{},
		Observer: func(from, to State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transitions = append(h.transitions, transition{from, to})
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.exec = New(cfg)
	return h
}

// blockingPromoter never promotes on its own; it waits for its context.
type blockingPromoter struct {
	entered chan struct{}
}

func newBlockingPromoter() *blockingPromoter {
	return &blockingPromoter{entered: make(chan struct{})}
}

func (p *blockingPromoter) Promote(ctx context.Context) error {
	close(p.entered)
	<-ctx.Done()
	return ctx.Err()
}

func (p *blockingPromoter) Demote(ctx context.Context) error { return nil }

func startCmd(id int) StartCommand {
	return StartCommand{Request: NewStartRequest("test", nil), StartID: id}
}

func TestExecutor_StartPostsNotificationAndRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.exec.OnCreate(ctx); err != nil {
		t.Fatalf("OnCreate: %v", err)
	}
	mode, err := h.exec.OnStart(ctx, startCmd(1))
	if err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	if mode != StartSticky {
		t.Errorf("mode = %v, want sticky", mode)
	}

	want := []transition{{StateStopped, StateStarting}, {StateStarting, StateRunning}}
	if got := h.Transitions(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	n, ok := h.surface.Active(1)
	if !ok {
		t.Fatal("status notification not posted")
	}
	if n.Title != "Notify SMS" || !n.Ongoing || n.AutoCancel {
		t.Errorf("unexpected notification: %+v", n)
	}
	if n.ChannelID != testChannel.ID {
		t.Errorf("notification channel = %q, want %q", n.ChannelID, testChannel.ID)
	}
	if !h.promoter.Promoted() {
		t.Error("executor not promoted")
	}
	if h.exec.Request() == nil {
		t.Error("request of the first start was not kept")
	}
}

func TestExecutor_DuplicateStartKeepsOneNotification(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.exec.OnCreate(ctx)

	for i := 1; i <= 3; i++ {
		if _, err := h.exec.OnStart(ctx, startCmd(i)); err != nil {
			t.Fatalf("OnStart #%d: %v", i, err)
		}
	}

	if got := h.exec.State(); got != StateRunning {
		t.Errorf("state = %v, want running", got)
	}
	if n := h.surface.ActiveCount(); n != 1 {
		t.Errorf("active notifications = %d, want 1", n)
	}
	if got := h.exec.StartID(); got != 3 {
		t.Errorf("StartID = %d, want 3", got)
	}
	if got := len(h.Transitions()); got != 2 {
		t.Errorf("expected 2 transitions, got %v", h.Transitions())
	}
}

func TestExecutor_StopWithdrawsNotification(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.exec.OnCreate(ctx)
	h.exec.OnStart(ctx, startCmd(1))

	if err := h.exec.OnStop(ctx); err != nil {
		t.Fatalf("OnStop: %v", err)
	}

	if got := h.exec.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if _, ok := h.surface.Active(1); ok {
		t.Error("notification still shown after stop")
	}
	if h.promoter.Promoted() {
		t.Error("executor still promoted after stop")
	}
	tail := h.Transitions()[2:]
	want := []transition{{StateRunning, StateStopping}, {StateStopping, StateStopped}}
	if !slices.Equal(tail, want) {
		t.Errorf("stop transitions = %v, want %v", tail, want)
	}
}

func TestExecutor_StopWhenStoppedIsNoop(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.exec.OnStop(context.Background()); err != nil {
		t.Fatalf("OnStop: %v", err)
	}
	if got := h.exec.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if len(h.Transitions()) != 0 {
		t.Errorf("unexpected transitions: %v", h.Transitions())
	}
	if slices.Contains(h.events.Events(), eventlog.EventStopped) {
		t.Error("stopped event written for a no-op stop")
	}
}

func TestExecutor_ChannelRegisteredOnce(t *testing.T) {
	reg := &Registration{}
	surface := notify.NewMemorySurface()
	ctx := context.Background()

	first := New(Config{Channel: testChannel, Notification: testNotification, Surface: surface, Registration: reg})
	if err := first.OnCreate(ctx); err != nil {
		t.Fatalf("OnCreate: %v", err)
	}

	changed := testChannel
	changed.Description = "changed"
	changed.Importance = notify.ImportanceHigh
	second := New(Config{Channel: changed, Notification: testNotification, Surface: surface, Registration: reg})
	if err := second.OnCreate(ctx); err != nil {
		t.Fatalf("OnCreate(second): %v", err)
	}
	if _, err := second.OnStart(ctx, startCmd(1)); err != nil {
		t.Fatalf("OnStart: %v", err)
	}

	ch, ok := surface.Channel(testChannel.ID)
	if !ok {
		t.Fatal("channel not registered")
	}
	if ch.Description != testChannel.Description || ch.Importance != notify.ImportanceLow {
		t.Errorf("channel changed by second registration: %+v", ch)
	}
	if !reg.Done() {
		t.Error("registration flag not set")
	}
}

func TestExecutor_StopDuringStartCancelsStart(t *testing.T) {
	bp := newBlockingPromoter()
	h := newHarness(t, func(c *Config) { c.Promoter = bp })
	ctx := context.Background()
	h.exec.OnCreate(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.exec.OnStart(ctx, startCmd(1))
		errCh <- err
	}()

	select {
	case <-bp.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("OnStart never reached promotion")
	}
	if got := h.exec.State(); got != StateStarting {
		t.Fatalf("state = %v, want starting", got)
	}

	if err := h.exec.OnStop(ctx); err != nil {
		t.Fatalf("OnStop: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrStartCancelled) {
		t.Fatalf("OnStart error = %v, want ErrStartCancelled", err)
	}
	if got := h.exec.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if h.surface.ActiveCount() != 0 {
		t.Error("notification left behind by cancelled start")
	}
}

func TestExecutor_CancelledContextDuringStartIsStop(t *testing.T) {
	bp := newBlockingPromoter()
	h := newHarness(t, func(c *Config) { c.Promoter = bp })
	h.exec.OnCreate(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.exec.OnStart(ctx, startCmd(1))
		errCh <- err
	}()

	select {
	case <-bp.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("OnStart never reached promotion")
	}
	cancel()

	if err := <-errCh; !errors.Is(err, ErrStartCancelled) {
		t.Fatalf("OnStart error = %v, want ErrStartCancelled", err)
	}
	if got := h.exec.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	events := h.events.Events()
	if slices.Contains(events, eventlog.EventPromotionFailed) || !slices.Contains(events, eventlog.EventStopped) {
		t.Errorf("events = %v, want stopped without promotion-failed", events)
	}
	if h.surface.ActiveCount() != 0 {
		t.Error("notification left behind")
	}
}

func TestRun_CancelDuringStartExitsCleanly(t *testing.T) {
	bp := newBlockingPromoter()
	h := newHarness(t, func(c *Config) { c.Promoter = bp })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, h.exec, startCmd(1)) }()

	select {
	case <-bp.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never reached promotion")
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestExecutor_PromotionTimeout(t *testing.T) {
	bp := newBlockingPromoter()
	clk := testclock.NewClock(time.Now())
	h := newHarness(t, func(c *Config) {
		c.Promoter = bp
		c.Clock = clk
		c.GraceWindow = 5 * time.Second
	})
	ctx := context.Background()
	h.exec.OnCreate(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.exec.OnStart(ctx, startCmd(1))
		errCh <- err
	}()

	if err := clk.WaitAdvance(5*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPromotionTimeout) {
			t.Fatalf("OnStart error = %v, want ErrPromotionTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnStart did not give up after the grace window")
	}

	if got := h.exec.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if h.surface.ActiveCount() != 0 {
		t.Error("notification left behind by failed promotion")
	}
	if !slices.Contains(h.events.Events(), eventlog.EventPromotionFailed) {
		t.Errorf("expected promotion-failed event, got %v", h.events.Events())
	}
}

func TestExecutor_TeardownWithdrawsUnconditionally(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.exec.OnCreate(ctx)
	h.exec.OnStart(ctx, startCmd(1))

	if err := h.exec.OnTeardown(ctx); err != nil {
		t.Fatalf("OnTeardown: %v", err)
	}
	if got := h.exec.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if h.surface.ActiveCount() != 0 {
		t.Error("notification still shown after teardown")
	}

	recs, _, _ := h.events.Poll(ctx, []eventlog.EventFilter{eventlog.FilterByEvent(eventlog.EventTeardown)}, "")
	if len(recs) != 1 || recs[0].Fields[eventlog.FieldState] != "running" {
		t.Errorf("unexpected teardown events: %+v", recs)
	}
}

func TestExecutor_BindIsDeclined(t *testing.T) {
	h := newHarness(t, nil)
	if h.exec.OnBind() {
		t.Error("OnBind accepted a bind request")
	}
	if got := h.exec.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestExecutor_StickyRestartHasNoRequest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.exec.OnCreate(ctx)

	if _, err := h.exec.OnStart(ctx, CommandFromRequest(nil, 1)); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	if h.exec.Request() != nil {
		t.Error("sticky restart carried a request")
	}
	recs, _, _ := h.events.Poll(ctx, []eventlog.EventFilter{eventlog.FilterByEvent(eventlog.EventStartCommand)}, "")
	if len(recs) != 1 || recs[0].Fields[eventlog.FieldFlags] != "retry" || recs[0].Fields[eventlog.FieldRequest] != "-" {
		t.Errorf("unexpected start-command events: %+v", recs)
	}
}

func TestRun_StopsAndTearsDownOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, h.exec, startCmd(1)) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.exec.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("executor never reached running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		eventlog.EventCreated,
		eventlog.EventStartCommand,
		eventlog.EventRunning,
		eventlog.EventStopped,
		eventlog.EventTeardown,
	}
	if got := h.events.Events(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if h.surface.ActiveCount() != 0 {
		t.Error("notification left behind")
	}
}

func TestRequestHandoff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "start-request.json")

	req, err := ConsumeRequest(path)
	if err != nil || req != nil {
		t.Fatalf("ConsumeRequest(missing) = %v, %v", req, err)
	}

	orig := NewStartRequest("bridge", map[string]string{"k": "v"})
	if err := WriteRequest(path, orig); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	req, err = ConsumeRequest(path)
	if err != nil {
		t.Fatalf("ConsumeRequest: %v", err)
	}
	if req.ID != orig.ID || req.Extras["k"] != "v" {
		t.Errorf("ConsumeRequest = %+v, want %+v", req, orig)
	}

	// Consumed requests are not seen again, like a sticky restart.
	if req, _ := ConsumeRequest(path); req != nil {
		t.Errorf("request delivered twice: %+v", req)
	}
	if cmd := CommandFromRequest(nil, 2); cmd.Flags != FlagRetry {
		t.Errorf("flags = %v, want retry", cmd.Flags)
	}
}
