package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeController struct {
	mu       sync.Mutex
	starts   []map[string]string
	stops    int
	startErr error
}

func (f *fakeController) RequestStart(ctx context.Context, extras map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, extras)
	return f.startErr
}

func (f *fakeController) RequestStop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func TestBridge_StartAndStop(t *testing.T) {
	ctl := &fakeController{}
	b := New(ctl, nil)
	ctx := context.Background()

	if res := b.Call(ctx, MethodStart, map[string]string{"origin": "ui"}); res != Success(true) {
		t.Errorf("start = %v, want success", res)
	}
	if res := b.Call(ctx, MethodStop, nil); res != Success(true) {
		t.Errorf("stop = %v, want success", res)
	}

	if len(ctl.starts) != 1 || ctl.starts[0]["origin"] != "ui" {
		t.Errorf("starts = %v", ctl.starts)
	}
	if ctl.stops != 1 {
		t.Errorf("stops = %d, want 1", ctl.stops)
	}
}

func TestBridge_UnknownCommandsAreNotImplemented(t *testing.T) {
	ctl := &fakeController{}
	b := New(ctl, nil)

	for _, name := range []string{"frobnicate", "", "Start", "STOP", "startForegroundService", "stop "} {
		res := b.Call(context.Background(), name, nil)
		if res.Outcome != OutcomeNotImplemented {
			t.Errorf("Call(%q) = %v, want not implemented", name, res)
		}
	}
	if len(ctl.starts) != 0 || ctl.stops != 0 {
		t.Errorf("unknown commands reached the controller: starts=%v stops=%d", ctl.starts, ctl.stops)
	}
}

func TestBridge_ControllerErrorIsTypedResult(t *testing.T) {
	ctl := &fakeController{startErr: errors.New("systemd unreachable")}
	b := New(ctl, nil)

	res := b.Call(context.Background(), MethodStart, nil)
	if res.Outcome != OutcomeError || res.Value {
		t.Fatalf("Call(start) = %+v, want error outcome", res)
	}
	if res.Message != "systemd unreachable" {
		t.Errorf("message = %q", res.Message)
	}
}

func TestBridge_ArgsAreCopied(t *testing.T) {
	ctl := &fakeController{}
	b := New(ctl, nil)
	args := map[string]string{"k": "v"}

	b.Call(context.Background(), MethodStart, args)
	args["k"] = "changed"

	if ctl.starts[0]["k"] != "v" {
		t.Error("controller saw caller's later mutation")
	}
}

func TestExported_Invoke(t *testing.T) {
	e := exported{bridge: New(&fakeController{}, nil)}

	outcome, value, msg, dErr := e.Invoke("start", nil)
	if dErr != nil || outcome != string(OutcomeSuccess) || !value || msg != "" {
		t.Errorf("Invoke(start) = %q %v %q %v", outcome, value, msg, dErr)
	}

	outcome, value, _, dErr = e.Invoke("frobnicate", map[string]string{"a": "b"})
	if dErr != nil || outcome != string(OutcomeNotImplemented) || value {
		t.Errorf("Invoke(frobnicate) = %q %v %v", outcome, value, dErr)
	}
}

func TestResult_String(t *testing.T) {
	tests := []struct {
		res  Result
		want string
	}{
		{Success(true), "ok (true)"},
		{NotImplemented(), "not implemented"},
		{Failure(errors.New("boom")), "error: boom"},
	}
	for _, tt := range tests {
		if got := tt.res.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
