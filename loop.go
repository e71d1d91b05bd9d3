package sockchan

import (
	"context"
	"fmt"
	"sync"
)

// loopKey marks contexts handed out by an EventLoop.
type loopKey struct{}

// EventLoop is the home execution context of one or more connections.
// Tasks run one at a time, in submission order, on a goroutine owned by the
// loop. The goroutine exists only while tasks are pending, so an idle loop
// holds no resources and needs no shutdown.
type EventLoop struct {
	ctx    context.Context
	logger Logger

	mu      sync.Mutex
	tasks   []func(context.Context)
	running bool
}

// NewEventLoop creates an idle loop. A nil logger selects the default logger.
func NewEventLoop(logger Logger) *EventLoop {
	l := &EventLoop{logger: loggerOrDefault(logger)}
	l.ctx = context.WithValue(context.Background(), loopKey{}, l)
	return l
}

// Execute schedules task to run on the loop after every previously
// scheduled task. It never runs task on the caller's stack.
func (l *EventLoop) Execute(task func(ctx context.Context)) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.drain()
}

// InLoop reports whether ctx is the context this loop passes to its tasks,
// i.e. whether the caller is running on the loop.
func (l *EventLoop) InLoop(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(loopKey{}).(*EventLoop)
	return owner == l
}

func (l *EventLoop) drain() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.run(task)
	}
}

// run executes a single task. A panicking task is logged and does not stop
// the loop.
func (l *EventLoop) run(task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", fmt.Sprint(r))
		}
	}()
	task(l.ctx)
}
