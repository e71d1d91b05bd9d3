package sockchan

import (
	"context"

	"github.com/pkg/errors"
)

// serialExecutor runs a channel's tasks in submission order on the
// connection's loop. It is the channel's single point of crash containment:
// a task that returns an error or panics fails the channel instead of
// unwinding into the engine.
type serialExecutor struct {
	loop    *EventLoop
	logger  Logger
	onFault func(err error)
}

// Execute schedules task after every task previously given to this
// executor. The task never runs on the caller's stack.
func (e *serialExecutor) Execute(task func(ctx context.Context) error) {
	e.loop.Execute(func(ctx context.Context) {
		if err := e.run(ctx, task); err != nil {
			e.logger.Error("channel task failed", "error", err.Error())
			e.onFault(err)
		}
	})
}

func (e *serialExecutor) run(ctx context.Context, task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = errors.Wrap(perr, "channel task panicked")
				return
			}
			err = errors.Errorf("channel task panicked: %v", r)
		}
	}()
	return task(ctx)
}
