package sockchan

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestEventLoop_RunsTasksInOrder(t *testing.T) {
	loop := NewEventLoop(nil)

	var got []int
	for i := 0; i < 100; i++ {
		loop.Execute(func(context.Context) { got = append(got, i) })
	}
	settle(t, loop)

	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestEventLoop_NeverRunsOnCallerStack(t *testing.T) {
	loop := NewEventLoop(nil)

	onLoop(t, loop, func(ctx context.Context) {
		var ran atomic.Bool
		loop.Execute(func(context.Context) { ran.Store(true) })
		if ran.Load() {
			t.Error("nested task ran inline")
		}
	})
}

func TestEventLoop_InLoop(t *testing.T) {
	loop := NewEventLoop(nil)
	other := NewEventLoop(nil)

	if loop.InLoop(context.Background()) {
		t.Error("background context is not on the loop")
	}
	var none context.Context
	if loop.InLoop(none) {
		t.Error("nil context is not on the loop")
	}

	onLoop(t, loop, func(ctx context.Context) {
		if !loop.InLoop(ctx) {
			t.Error("task context should be on the loop")
		}
		if other.InLoop(ctx) {
			t.Error("task context belongs to a different loop")
		}
	})
}

func TestEventLoop_RecoversPanics(t *testing.T) {
	logger := &mockLogger{}
	loop := NewEventLoop(logger)

	loop.Execute(func(context.Context) { panic("boom") })

	var after atomic.Bool
	onLoop(t, loop, func(context.Context) { after.Store(true) })

	if !after.Load() {
		t.Error("loop stopped after a panicking task")
	}
	if !logger.errorCalled {
		t.Error("panic should be logged")
	}
}
