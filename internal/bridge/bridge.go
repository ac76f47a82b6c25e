// Package bridge is the command channel between the application's control
// surface and the background executor's host. It understands two commands,
// start and stop, and answers anything else with "not implemented".
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
)

// ChannelName is the fixed name of the command channel.
const ChannelName = "sms_background_service"

// Command names.
const (
	MethodStart = "start"
	MethodStop  = "stop"
)

// Outcome distinguishes the three kinds of results a call can have.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeError          Outcome = "error"
	OutcomeNotImplemented Outcome = "not-implemented"
)

// Result is the answer to one call.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Value   bool    `json:"value"`
	Message string  `json:"message,omitempty"`
}

// Success returns a success result carrying v.
func Success(v bool) Result { return Result{Outcome: OutcomeSuccess, Value: v} }

// Failure returns an error result.
func Failure(err error) Result { return Result{Outcome: OutcomeError, Message: err.Error()} }

// NotImplemented is the result for commands the bridge does not know.
func NotImplemented() Result { return Result{Outcome: OutcomeNotImplemented} }

func (r Result) String() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("ok (%t)", r.Value)
	case OutcomeNotImplemented:
		return "not implemented"
	default:
		return "error: " + r.Message
	}
}

// Controller issues start and stop requests to whatever hosts the
// executor. Both are fire-and-forget: they return once the host has
// accepted the request, not when the executor reaches its target state.
type Controller interface {
	RequestStart(ctx context.Context, extras map[string]string) error
	RequestStop(ctx context.Context) error
}

// Bridge dispatches calls to a Controller.
type Bridge struct {
	ctl Controller
	log *slog.Logger
}

// New returns a bridge in front of ctl.
func New(ctl Controller, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{ctl: ctl, log: logger.With("channel", ChannelName)}
}

// Call dispatches a single command. It never retries and never queues.
func (b *Bridge) Call(ctx context.Context, method string, args map[string]string) Result {
	var res Result
	switch method {
	case MethodStart:
		res = b.result(b.ctl.RequestStart(ctx, maps.Clone(args)))
	case MethodStop:
		res = b.result(b.ctl.RequestStop(ctx))
	default:
		res = NotImplemented()
	}

	level := slog.LevelInfo
	if res.Outcome == OutcomeError {
		level = slog.LevelWarn
	}
	b.log.Log(ctx, level, "bridge call", "method", method, "outcome", res.Outcome, "message", res.Message)
	return res
}

func (b *Bridge) result(err error) Result {
	if err != nil {
		return Failure(err)
	}
	return Success(true)
}
