package x402

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSerialQueueOrdersTasks(t *testing.T) {
	q := NewSerialQueue()
	ctx := context.Background()

	const n = 50
	var mu sync.Mutex
	var order []int

	// Admit tasks in a known order by holding each goroutine until its
	// predecessor has been admitted.
	admitted := make(chan struct{})
	var wg sync.WaitGroup
	go func() {
		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Run(ctx, func() error {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					return nil
				})
			}()
			// Crude but sufficient: give the goroutine time to reach
			// admission before launching the next.
			time.Sleep(2 * time.Millisecond)
		}
		close(admitted)
	}()
	<-admitted
	wg.Wait()

	if len(order) != n {
		t.Fatalf("ran %d tasks, want %d", len(order), n)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, tasks ran out of admission order: %v", i, got, order)
		}
	}
}

func TestSerialQueueErrorDoesNotStallChain(t *testing.T) {
	q := NewSerialQueue()
	ctx := context.Background()

	wantErr := errors.New("settlement reverted")
	if err := q.Run(ctx, func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("first task error = %v, want %v", err, wantErr)
	}

	ran := false
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func() error {
			ran = true
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second task: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second task stalled behind a failed predecessor")
	}
	if !ran {
		t.Fatal("second task never ran")
	}
}

func TestSerialQueueRefusesDoneContext(t *testing.T) {
	q := NewSerialQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := q.Run(ctx, func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ran {
		t.Fatal("task ran despite cancelled context")
	}
}

func TestSerialQueueAdmittedTaskRunsAfterCancel(t *testing.T) {
	q := NewSerialQueue()

	// First task blocks the chain until released.
	release := make(chan struct{})
	firstAdmitted := make(chan struct{})
	go func() {
		_ = q.Run(context.Background(), func() error {
			close(firstAdmitted)
			<-release
			return nil
		})
	}()
	<-firstAdmitted

	// Second task is admitted with a live context, which is then cancelled
	// while it waits.
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func() error {
			close(ran)
			return nil
		})
	}()

	// Let the second call reach admission, then cancel and release.
	time.Sleep(10 * time.Millisecond)
	cancel()
	close(release)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("admitted task was abandoned after cancellation")
	}
	if err := <-done; err != nil {
		t.Fatalf("admitted task: %v", err)
	}
}

func TestSerialQueueNeverOverlaps(t *testing.T) {
	q := NewSerialQueue()
	ctx := context.Background()

	var running int32
	var mu sync.Mutex
	overlap := false

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Run(ctx, func() error {
				mu.Lock()
				running++
				if running > 1 {
					overlap = true
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if overlap {
		t.Fatal("two tasks ran concurrently")
	}
}
