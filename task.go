package maildoc

import (
	"context"
)

// Task is a cancellable adaptor operation running in its own goroutine.
//
// Cancelling a task stops it from issuing further document writes. Writes
// that already completed persist; nothing is rolled back, so a cancelled
// create may leave orphaned content for Repair.
type Task[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    T
	err    error
}

// Go runs fn in a new goroutine and returns a Task for its result. The
// number of running tasks is bounded by WithMaxConcurrentTasks: Go blocks
// until a slot is free or ctx ends, in which case the returned task is
// already done with ctx's error.
//
//	t := maildoc.Go(ctx, a, func(ctx context.Context) (int, error) {
//	    return a.CountUnseen(ctx, mbox.UUID)
//	})
//	n, err := t.Wait(ctx)
func Go[T any](ctx context.Context, a *Adaptor, fn func(ctx context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{done: make(chan struct{}), cancel: cancel}

	if err := a.tasks.Acquire(ctx, 1); err != nil {
		t.err = err
		cancel()
		close(t.done)
		return t
	}

	go func() {
		defer close(t.done)
		defer cancel()
		defer a.tasks.Release(1)
		t.val, t.err = fn(ctx)
	}()
	return t
}

// Wait blocks until the task finishes or ctx ends. Ending ctx does not
// cancel the task; use Cancel for that.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel asks the task to stop. It returns immediately; call Wait to
// observe the result.
func (t *Task[T]) Cancel() { t.cancel() }

// Done is closed when the task finishes.
func (t *Task[T]) Done() <-chan struct{} { return t.done }
