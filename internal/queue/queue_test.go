package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	q := New(1)
	var mu sync.Mutex
	var order []int

	var futures []*Future
	for i := 0; i < 5; i++ {
		i := i
		futures = append(futures, q.Push(context.Background(), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}))
	}
	for _, f := range futures {
		f.Wait(context.Background())
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestSizeReflectsRunningAndPending(t *testing.T) {
	q := New(1)
	block := make(chan struct{})
	f1 := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	})
	f2 := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})

	time.Sleep(10 * time.Millisecond)
	running, pending := q.Size()
	if running != 1 || pending != 1 {
		t.Fatalf("expected running=1 pending=1, got running=%d pending=%d", running, pending)
	}

	close(block)
	f1.Wait(context.Background())
	f2.Wait(context.Background())
}

func TestCanceledWaiterPassesItsTurnAlong(t *testing.T) {
	q := New(1)
	block := make(chan struct{})
	head := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	})

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	fCanceled := q.Push(canceled, func(ctx context.Context) (any, error) {
		t.Error("canceled task must never run")
		return nil, nil
	})
	fAfter := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		return "ran", nil
	})

	if _, err := fCanceled.Wait(context.Background()); err == nil {
		t.Fatal("canceled waiter should reject its future")
	}

	close(block)
	head.Wait(context.Background())
	result, err := fAfter.Wait(context.Background())
	if err != nil || result != "ran" {
		t.Fatalf("task behind a canceled waiter never ran: %v %v", result, err)
	}
}

func TestTaskErrorRejectsFuture(t *testing.T) {
	q := New(1)
	wantErr := context.Canceled
	f := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	_, err := f.Wait(context.Background())
	if err != wantErr {
		t.Fatalf("expected task error to reject future, got %v", err)
	}
}
