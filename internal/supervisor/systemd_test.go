package supervisor

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mbrock/notifysms/internal/platform/systemd"
	"github.com/mbrock/notifysms/internal/service"
)

type systemdHarness struct {
	host        *Systemd
	sd          *systemd.FakeSystemd
	requestPath string
	delivered   chan *service.StartRequest

	// When set, the executor lingers after being told to stop until the
	// channel is closed.
	linger chan struct{}
}

func newSystemdHost(t *testing.T) *systemdHarness {
	t.Helper()
	h := &systemdHarness{
		sd:          systemd.NewFakeSystemd(),
		requestPath: filepath.Join(t.TempDir(), "start-request.json"),
		delivered:   make(chan *service.StartRequest, 4),
	}

	// Stands in for "notifysms executor": consume the request, then run
	// until stopped.
	h.sd.RegisterCommand("notifysms", func(ctx context.Context, env map[string]string, args []string) int {
		req, err := service.ConsumeRequest(h.requestPath)
		if err != nil {
			return 1
		}
		h.delivered <- req
		<-ctx.Done()
		if h.linger != nil {
			<-h.linger
		}
		return 0
	})

	host, err := NewSystemd(h.sd, Config{
		Kind:            KindSystemd,
		Executor:        service.Config{GraceWindow: 7 * time.Second},
		RequestPath:     h.requestPath,
		ExecutorCommand: []string{"notifysms", "executor"},
		Environment:     map[string]string{"NOTIFYSMS_RUNTIME_DIR": filepath.Dir(h.requestPath)},
		RestartSec:      time.Second,
	})
	if err != nil {
		t.Fatalf("NewSystemd: %v", err)
	}
	h.host = host
	t.Cleanup(func() { host.Close() })
	return h
}

func (h *systemdHarness) nextRequest(t *testing.T) *service.StartRequest {
	t.Helper()
	select {
	case req := <-h.delivered:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
		return nil
	}
}

// slowTeardown makes executors take until release is called to go down.
func (h *systemdHarness) slowTeardown(t *testing.T) (release func()) {
	t.Helper()
	h.linger = make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(h.linger) }) }
	t.Cleanup(release)
	return release
}

func (h *systemdHarness) waitState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := h.host.Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want %q", st.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSystemd_StartHandsOverRequest(t *testing.T) {
	h := newSystemdHost(t)
	ctx := context.Background()

	if err := h.host.RequestStart(ctx, map[string]string{"origin": "ui"}); err != nil {
		t.Fatalf("RequestStart: %v", err)
	}

	req := h.nextRequest(t)
	if req == nil || req.Extras["origin"] != "ui" || req.ID == "" {
		t.Errorf("delivered request = %+v", req)
	}

	specs := h.sd.Transients()
	if len(specs) != 1 {
		t.Fatalf("transients = %d, want 1", len(specs))
	}
	spec := specs[0]
	if spec.Unit != systemd.ExecutorUnit || spec.ServiceType != "notify" || spec.Restart != "always" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.StartTimeout != 7*time.Second {
		t.Errorf("start timeout = %v, want the grace window", spec.StartTimeout)
	}
	if spec.StartLimitBurst != 5 || spec.StartLimitInterval != 10*time.Second {
		t.Errorf("start limit = %d/%v", spec.StartLimitBurst, spec.StartLimitInterval)
	}

	st, err := h.host.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Backend != KindSystemd || st.State != "active" {
		t.Errorf("status = %+v", st)
	}
}

func TestSystemd_DuplicateStartCollapses(t *testing.T) {
	h := newSystemdHost(t)
	ctx := context.Background()

	h.host.RequestStart(ctx, nil)
	h.nextRequest(t)
	if err := h.host.RequestStart(ctx, nil); err != nil {
		t.Fatalf("second RequestStart: %v", err)
	}

	if n := len(h.sd.Transients()); n != 1 {
		t.Errorf("transients = %d, want 1", n)
	}
}

func TestSystemd_Stop(t *testing.T) {
	h := newSystemdHost(t)
	ctx := context.Background()

	// Stopping before anything ran does not touch the manager.
	if err := h.host.RequestStop(ctx); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if calls := h.sd.Calls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}

	h.host.RequestStart(ctx, nil)
	h.nextRequest(t)
	if err := h.host.RequestStop(ctx); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	h.waitState(t, "inactive")

	// Start again: a fresh transient unit with a fresh request.
	h.host.RequestStart(ctx, map[string]string{"n": "2"})
	if req := h.nextRequest(t); req == nil || req.Extras["n"] != "2" {
		t.Errorf("second request = %+v", req)
	}
}

func TestSystemd_FailedUnitIsReset(t *testing.T) {
	h := newSystemdHost(t)
	h.sd.AddUnit(systemd.Unit{Name: systemd.ExecutorUnit, State: systemd.UnitStateFailed})

	if err := h.host.RequestStart(context.Background(), nil); err != nil {
		t.Fatalf("RequestStart: %v", err)
	}
	h.nextRequest(t)

	calls := h.sd.Calls()
	if len(calls) < 2 || calls[0] != "reset-failed:"+systemd.ExecutorUnit.String() {
		t.Errorf("calls = %v, want reset-failed first", calls)
	}
}

func TestSystemd_StopDoesNotWaitForTeardown(t *testing.T) {
	h := newSystemdHost(t)
	release := h.slowTeardown(t)
	ctx := context.Background()

	h.host.RequestStart(ctx, nil)
	h.nextRequest(t)

	stopped := make(chan error, 1)
	go func() { stopped <- h.host.RequestStop(ctx) }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("RequestStop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestStop waited for the executor to go down")
	}

	h.waitState(t, "deactivating")
	release()
	h.waitState(t, "inactive")
}

func TestSystemd_StartWhileStoppingIsQueued(t *testing.T) {
	h := newSystemdHost(t)
	release := h.slowTeardown(t)
	ctx := context.Background()

	h.host.RequestStart(ctx, map[string]string{"n": "1"})
	h.nextRequest(t)
	h.host.RequestStop(ctx)
	h.waitState(t, "deactivating")

	if err := h.host.RequestStart(ctx, map[string]string{"n": "2"}); err != nil {
		t.Fatalf("RequestStart: %v", err)
	}
	if !slices.Contains(h.sd.Calls(), "queue-start:"+systemd.ExecutorUnit.String()) {
		t.Errorf("calls = %v, want a start queued behind the stop", h.sd.Calls())
	}
	if n := len(h.sd.Transients()); n != 1 {
		t.Errorf("transients = %d, want the loaded unit reused", n)
	}

	release()
	if req := h.nextRequest(t); req == nil || req.Extras["n"] != "2" {
		t.Errorf("request after stop = %+v", req)
	}
	h.waitState(t, "active")
}

func TestSystemd_StopDropsQueuedStart(t *testing.T) {
	h := newSystemdHost(t)
	release := h.slowTeardown(t)
	ctx := context.Background()

	h.host.RequestStart(ctx, nil)
	h.nextRequest(t)
	h.host.RequestStop(ctx)
	h.waitState(t, "deactivating")
	h.host.RequestStart(ctx, nil)

	if err := h.host.RequestStop(ctx); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	release()
	h.waitState(t, "inactive")

	select {
	case req := <-h.delivered:
		t.Errorf("executor started after the last stop with %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}
