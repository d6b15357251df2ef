package maildoc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/maildoc/store/memory"
)

func TestTask(t *testing.T) {
	ctx := context.Background()
	a := setupTestAdaptor(t, nil)
	inbox := mustMbox(t, a, "INBOX")

	t.Run("returns the result", func(t *testing.T) {
		msg, err := a.MsgFromString(nil, inbox.UUID, twoPart(1))
		if err != nil {
			t.Fatalf("MsgFromString: %v", err)
		}
		create := Go(ctx, a, func(ctx context.Context) (string, error) {
			return msg.MdocID(), a.CreateMsg(ctx, msg)
		})
		id, err := create.Wait(ctx)
		if err != nil {
			t.Fatalf("create task: %v", err)
		}

		count := Go(ctx, a, func(ctx context.Context) (int, error) {
			return a.CountUnseen(ctx, inbox.UUID)
		})
		n, err := count.Wait(ctx)
		if err != nil || n != 1 {
			t.Errorf("count task = %d, %v", n, err)
		}
		select {
		case <-count.Done():
		default:
			t.Error("Done should be closed after Wait returns")
		}
		if id != msg.MdocID() {
			t.Errorf("unexpected id %s", id)
		}
	})

	t.Run("cancel stops the task", func(t *testing.T) {
		started := make(chan struct{})
		task := Go(ctx, a, func(ctx context.Context) (struct{}, error) {
			close(started)
			<-ctx.Done()
			return struct{}{}, ctx.Err()
		})
		<-started
		task.Cancel()
		if _, err := task.Wait(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("wait gives up with its own context", func(t *testing.T) {
		release := make(chan struct{})
		task := Go(ctx, a, func(ctx context.Context) (int, error) {
			<-release
			return 1, nil
		})
		wctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if _, err := task.Wait(wctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
		close(release)
		if v, err := task.Wait(ctx); err != nil || v != 1 {
			t.Errorf("task should still finish: %d, %v", v, err)
		}
	})
}

func TestTaskBound(t *testing.T) {
	ctx := context.Background()
	a := setupTestAdaptor(t, nil, WithMaxConcurrentTasks(2))

	var running, peak atomic.Int32
	release := make(chan struct{})
	var tasks []*Task[int]
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := Go(ctx, a, func(ctx context.Context) (int, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				return 0, nil
			})
			mu.Lock()
			tasks = append(tasks, task)
			mu.Unlock()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	for _, task := range tasks {
		if _, err := task.Wait(ctx); err != nil {
			t.Errorf("task: %v", err)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("expected at most 2 concurrent tasks, saw %d", p)
	}

	t.Run("blocked start honours ctx", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		for i := 0; i < 2; i++ {
			Go(ctx, a, func(ctx context.Context) (int, error) {
				<-block
				return 0, nil
			})
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		task := Go(cctx, a, func(ctx context.Context) (int, error) { return 1, nil })
		if _, err := task.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
	})
}

func TestCloseWaitsForTasks(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	a, err := New(WithStore(s), WithShutdownTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	inbox := mustMbox(t, a, "INBOX")

	started := make(chan struct{})
	task := Go(ctx, a, func(ctx context.Context) (string, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		msg, err := a.MsgFromString(nil, inbox.UUID, onePart)
		if err != nil {
			return "", err
		}
		return msg.MdocID(), a.CreateMsg(ctx, msg)
	})
	<-started

	// Close flips the adaptor to disconnected first, so the late create is
	// refused; Close still waits for the task to return.
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-task.Done():
	default:
		t.Fatal("Close returned before the task finished")
	}
	if _, err := task.Wait(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	a := setupTestAdaptor(t, nil, WithMaxConflictRounds(50))
	inbox := mustMbox(t, a, "INBOX")
	msg := mustCreate(t, a, inbox.UUID, twoPart(1))

	// Several devices each add their own keyword to the same message.
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.FetchMsg(ctx, msg.MdocID(), 0)
			if err != nil {
				errs <- err
				return
			}
			m := res.Message
			flags := append(m.FlagsDoc().Flags, "$K"+string(rune('a'+i)))
			if err := m.SetFlags(flags); err != nil {
				errs <- err
				return
			}
			errs <- a.UpdateMsg(ctx, m)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("writer: %v", err)
		}
	}

	f, err := a.FlagsFromMdocID(ctx, msg.MdocID())
	if err != nil {
		t.Fatalf("FlagsFromMdocID: %v", err)
	}
	for i := 0; i < writers; i++ {
		k := "$K" + string(rune('a'+i))
		if !f.HasFlag(k) {
			t.Errorf("keyword %s lost in merge: %v", k, f.Flags)
		}
	}
	if !f.HasFlag(FlagRecent) {
		t.Errorf("untouched flag lost: %v", f.Flags)
	}
}
