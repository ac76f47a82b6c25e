package service

import (
	"context"
	"errors"
)

// Run drives a single-instance executor process through its whole life:
// create, start with cmd, run until ctx is done, then stop and tear down.
// A failed start is returned as is; the process is expected to exit and
// leave the restart to its service manager. A start interrupted by ctx is a
// clean stop.
func Run(ctx context.Context, e *Executor, cmd StartCommand) error {
	if err := e.OnCreate(ctx); err != nil {
		return err
	}

	if _, err := e.OnStart(ctx, cmd); err != nil {
		teardownErr := e.OnTeardown(context.WithoutCancel(ctx))
		if errors.Is(err, ErrStartCancelled) {
			return teardownErr
		}
		return errors.Join(err, teardownErr)
	}

	<-ctx.Done()

	bg := context.WithoutCancel(ctx)
	return errors.Join(e.OnStop(bg), e.OnTeardown(bg))
}
