package systemd

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeCommand simulates the main process of a transient unit. It runs until
// it returns or ctx is cancelled (the unit being stopped).
type FakeCommand func(ctx context.Context, env map[string]string, args []string) int

type fakeProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// FakeSystemd is an in-memory implementation of Systemd for unit tests.
// Transient units run their registered FakeCommand in a goroutine. Stopping
// is asynchronous: the unit stays deactivating until its command returns.
type FakeSystemd struct {
	mu         sync.Mutex
	units      map[UnitName]*Unit
	specs      map[UnitName]TransientSpec
	pending    map[UnitName]bool
	commands   map[string]FakeCommand // command name -> handler
	processes  map[UnitName]*fakeProcess
	transients []TransientSpec
	calls      []string
	closed     bool
}

var _ Systemd = (*FakeSystemd)(nil)

// NewFakeSystemd creates a new FakeSystemd with empty state.
func NewFakeSystemd() *FakeSystemd {
	return &FakeSystemd{
		units:     make(map[UnitName]*Unit),
		specs:     make(map[UnitName]TransientSpec),
		pending:   make(map[UnitName]bool),
		commands:  make(map[string]FakeCommand),
		processes: make(map[UnitName]*fakeProcess),
	}
}

// RegisterCommand registers a fake command implementation.
// The name should match spec.Command[0] when StartTransient is called.
func (f *FakeSystemd) RegisterCommand(name string, cmd FakeCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[name] = cmd
}

// AddUnit adds a unit to the fake state.
func (f *FakeSystemd) AddUnit(unit Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[unit.Name] = &unit
}

// Transients returns every spec passed to StartTransient.
func (f *FakeSystemd) Transients() []TransientSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TransientSpec(nil), f.transients...)
}

// Calls returns the names of mutating calls made, like "start:foo.service".
func (f *FakeSystemd) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// GetUnit retrieves a single unit's properties.
func (f *FakeSystemd) GetUnit(ctx context.Context, name UnitName) (*Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	unit, ok := f.units[name]
	if !ok {
		return &Unit{Name: name, State: UnitStateInactive}, nil
	}
	u := *unit
	return &u, nil
}

// StartTransient creates a transient unit and runs its command.
func (f *FakeSystemd) StartTransient(ctx context.Context, spec TransientSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "transient:"+spec.Unit.String())
	if existing, ok := f.units[spec.Unit]; ok && existing.State != UnitStateInactive {
		return fmt.Errorf("unit %s already exists", spec.Unit)
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("empty command")
	}
	f.transients = append(f.transients, spec)
	f.specs[spec.Unit] = spec
	f.run(spec)
	return nil
}

// run marks the unit active and starts its command. f.mu must be held.
func (f *FakeSystemd) run(spec TransientSpec) {
	unit := &Unit{
		Name:        spec.Unit,
		State:       UnitStateActive,
		SubState:    "running",
		Description: spec.Description,
		Started:     time.Now(),
	}
	f.units[spec.Unit] = unit

	handler, ok := f.commands[spec.Command[0]]
	if !ok {
		return
	}

	procCtx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcess{cancel: cancel, done: make(chan struct{})}
	f.processes[spec.Unit] = proc

	go func() {
		defer close(proc.done)
		exitCode := handler(procCtx, spec.Environment, spec.Command)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.processes[spec.Unit] == proc {
			delete(f.processes, spec.Unit)
		}
		unit.ExitStatus = int32(exitCode)
		switch {
		case procCtx.Err() != nil || exitCode == 0:
			unit.State = UnitStateInactive
			unit.Result = "success"
		default:
			unit.State = UnitStateFailed
			unit.Result = "exit-code"
		}
		unit.SubState = "dead"

		if f.pending[spec.Unit] && !f.closed {
			delete(f.pending, spec.Unit)
			f.run(spec)
		}
	}()
}

// StartUnit marks a unit active.
func (f *FakeSystemd) StartUnit(ctx context.Context, name UnitName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+name.String())
	f.activate(name)
	return nil
}

// RestartUnit marks a unit active again.
func (f *FakeSystemd) RestartUnit(ctx context.Context, name UnitName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restart:"+name.String())
	f.activate(name)
	return nil
}

func (f *FakeSystemd) activate(name UnitName) {
	unit, ok := f.units[name]
	if !ok {
		unit = &Unit{Name: name}
		f.units[name] = unit
	}
	unit.State = UnitStateActive
	unit.Started = time.Now()
}

// QueueStart starts a loaded unit again from its last spec. Against a
// deactivating unit the start waits for the command to return.
func (f *FakeSystemd) QueueStart(ctx context.Context, name UnitName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "queue-start:"+name.String())

	unit, ok := f.units[name]
	spec, loaded := f.specs[name]
	if !ok || !loaded {
		return fmt.Errorf("unit %s not loaded", name)
	}
	switch unit.State {
	case UnitStateActive, UnitStateActivating:
	case UnitStateDeactivating:
		f.pending[name] = true
	default:
		f.run(spec)
	}
	return nil
}

// StopUnit cancels the unit's process and returns without waiting for it.
// The unit is deactivating until the command returns.
func (f *FakeSystemd) StopUnit(ctx context.Context, name UnitName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+name.String())
	delete(f.pending, name)

	unit, ok := f.units[name]
	if !ok {
		return nil
	}
	proc := f.processes[name]
	if proc == nil {
		unit.State = UnitStateInactive
		return nil
	}
	unit.State = UnitStateDeactivating
	unit.SubState = "stop-sigterm"
	proc.cancel()
	return nil
}

// ResetFailedUnit moves a failed unit back to inactive.
func (f *FakeSystemd) ResetFailedUnit(ctx context.Context, name UnitName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reset-failed:"+name.String())
	if unit, ok := f.units[name]; ok && unit.State == UnitStateFailed {
		unit.State = UnitStateInactive
	}
	return nil
}

// Close stops every running fake process.
func (f *FakeSystemd) Close() error {
	f.mu.Lock()
	f.closed = true
	procs := make([]*fakeProcess, 0, len(f.processes))
	for _, p := range f.processes {
		procs = append(procs, p)
	}
	f.mu.Unlock()

	for _, p := range procs {
		p.cancel()
		<-p.done
	}
	return nil
}
