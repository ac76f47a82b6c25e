package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// State is the executor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StartFlags describe how the host delivered a start command.
type StartFlags uint

const (
	// FlagRedelivery marks a command re-sent with its original request.
	FlagRedelivery StartFlags = 1 << iota
	// FlagRetry marks a command issued by a sticky restart after the
	// previous instance died. Its request is always nil.
	FlagRetry
)

func (f StartFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&FlagRedelivery != 0 {
		parts = append(parts, "redelivery")
	}
	if f&FlagRetry != 0 {
		parts = append(parts, "retry")
	}
	return strings.Join(parts, "|")
}

// StartMode is the restart policy an executor declares for itself.
type StartMode int

const (
	// StartNotSticky: do not restart after the host reclaims the instance.
	StartNotSticky StartMode = iota
	// StartSticky: restart after reclaim, delivering a nil request.
	StartSticky
	// StartRedeliverRequest: restart after reclaim with the last request.
	StartRedeliverRequest
)

func (m StartMode) String() string {
	switch m {
	case StartNotSticky:
		return "not-sticky"
	case StartSticky:
		return "sticky"
	case StartRedeliverRequest:
		return "redeliver-request"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// StartRequest is the payload of a start command.
type StartRequest struct {
	ID     string            `json:"id"`
	Origin string            `json:"origin,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

// NewStartRequest returns a request with a fresh ID.
func NewStartRequest(origin string, extras map[string]string) *StartRequest {
	return &StartRequest{
		ID:     uuid.NewString(),
		Origin: origin,
		Extras: extras,
	}
}

// StartCommand is one start delivery from the host. Request is nil for
// sticky restarts; nothing in it may be assumed to survive a restart.
type StartCommand struct {
	Request *StartRequest
	Flags   StartFlags
	StartID int
}

// RequestID returns the request ID, or "" for a nil request.
func (c StartCommand) RequestID() string {
	if c.Request == nil {
		return ""
	}
	return c.Request.ID
}
