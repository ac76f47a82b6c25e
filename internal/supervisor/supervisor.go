// Package supervisor hosts the background executor. A host receives start
// and stop requests from the command bridge and drives the executor's
// lifecycle hooks, restarting it when it is reclaimed.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/juju/clock"

	"github.com/mbrock/notifysms/internal/bridge"
	"github.com/mbrock/notifysms/internal/eventlog"
	"github.com/mbrock/notifysms/internal/notify"
	"github.com/mbrock/notifysms/internal/platform/systemd"
	"github.com/mbrock/notifysms/internal/service"
)

// Kind identifies a host implementation.
type Kind string

const (
	KindSystemd Kind = "systemd"
	KindLocal   Kind = "local"
)

// Config configures a host.
type Config struct {
	Kind Kind

	// Executor is the template for executor instances. The local host fills
	// in Surface, Events, Clock and Promoter when they are nil.
	Executor service.Config

	// RequestPath is where the systemd host hands the start request to the
	// executor process.
	RequestPath string

	// ExecutorCommand runs the executor process (usually {selfExe, "executor"}).
	ExecutorCommand []string

	// Environment is passed to the executor process.
	Environment map[string]string

	RestartSec         time.Duration
	RestartBurst       int
	RestartInterval    time.Duration
	ServiceDescription string

	// Systemd overrides the user manager connection.
	Systemd systemd.Systemd

	Clock  clock.Clock
	Logger *slog.Logger
}

// Status describes the executor as seen by its host.
type Status struct {
	Backend  Kind   `json:"backend"`
	State    string `json:"state"`
	Detail   string `json:"detail,omitempty"`
	Restarts int    `json:"restarts"`
}

// Host is a bridge.Controller that owns the executor's lifecycle.
type Host interface {
	bridge.Controller
	Status(ctx context.Context) (Status, error)
	Close() error
}

type opener func(ctx context.Context, cfg Config) (Host, error)

var openers = map[Kind]opener{}

// Register makes a host implementation available to Open.
// Implementations should call this from init().
func Register(kind Kind, o opener) {
	if kind == "" {
		panic("supervisor: register with empty kind")
	}
	if o == nil {
		panic("supervisor: register with nil opener")
	}
	if _, exists := openers[kind]; exists {
		panic("supervisor: duplicate register for kind " + string(kind))
	}
	openers[kind] = o
}

// Open constructs a host from cfg. The requested Kind must be registered.
func Open(ctx context.Context, cfg Config) (Host, error) {
	cfg = withDefaults(cfg)
	o, ok := openers[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
	return o(ctx, cfg)
}

// DetectKind returns systemd if a systemd user manager is reachable on the
// session bus, otherwise local.
func DetectKind() Kind {
	if systemd.Available() {
		return KindSystemd
	}
	return KindLocal
}

func withDefaults(cfg Config) Config {
	if cfg.Kind == "" {
		cfg.Kind = DetectKind()
	}
	if cfg.Executor.GraceWindow <= 0 {
		cfg.Executor.GraceWindow = service.DefaultGraceWindow
	}
	if cfg.RestartBurst <= 0 {
		cfg.RestartBurst = 5
	}
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = 10 * time.Second
	}
	if cfg.ServiceDescription == "" {
		cfg.ServiceDescription = "notifysms background executor"
	}
	if len(cfg.ExecutorCommand) == 0 {
		if exe, err := os.Executable(); err == nil {
			cfg.ExecutorCommand = []string{exe, "executor"}
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor.Logger == nil {
		cfg.Executor.Logger = cfg.Logger
	}
	if cfg.Executor.Surface == nil {
		cfg.Executor.Surface = notify.NewMemorySurface()
	}
	if cfg.Executor.Events == nil {
		cfg.Executor.Events = eventlog.NewMemoryEventLog()
	}
	return cfg
}
