package main

import (
	"errors"
	"testing"

	"github.com/mbrock/notifysms/internal/bridge"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"origin=ui", "note=a=b", "empty="})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	want := map[string]string{"origin": "ui", "note": "a=b", "empty": ""}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) succeeded", bad)
		}
	}
}

func TestResultExitCode(t *testing.T) {
	tests := []struct {
		res  bridge.Result
		want int
	}{
		{bridge.Success(true), 0},
		{bridge.NotImplemented(), 2},
		{bridge.Failure(errors.New("boom")), 1},
	}
	for _, tt := range tests {
		if got := resultExitCode(tt.res); got != tt.want {
			t.Errorf("resultExitCode(%v) = %d, want %d", tt.res, got, tt.want)
		}
	}
}
