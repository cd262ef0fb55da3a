package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterRunsOnInitOnce(t *testing.T) {
	reg := NewRegistry()
	var inits int32
	p := Funcs{Init: func(ctx context.Context) error {
		atomic.AddInt32(&inits, 1)
		return nil
	}}
	if err := reg.Register(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&inits); got != 1 {
		t.Fatalf("OnInit ran %d times", got)
	}
}

func TestRegisterPropagatesInitError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("bad credentials")
	err := reg.Register(context.Background(), Funcs{Init: func(ctx context.Context) error { return boom }})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	// The failed plugin must not be notified later.
	reg.OnConnection(context.Background(), "CP001")
}

func TestRegisterRecoversInitPanic(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(context.Background(), Funcs{Init: func(ctx context.Context) error { panic("boom") }})
	if err == nil {
		t.Fatal("want error from panicking OnInit")
	}
}

func TestNotificationsRunInOrderAndSurvivePanics(t *testing.T) {
	reg := NewRegistry()
	var order []string
	_ = reg.Register(context.Background(), Funcs{
		Connection: func(ctx context.Context, identity string) { order = append(order, "a:"+identity) },
	})
	_ = reg.Register(context.Background(), Funcs{
		Connection: func(ctx context.Context, identity string) { panic("observer bug") },
	})
	_ = reg.Register(context.Background(), Funcs{
		Connection: func(ctx context.Context, identity string) { order = append(order, "c:"+identity) },
		Disconnect: func(ctx context.Context, identity string, reason error) { order = append(order, "d:"+identity) },
	})

	reg.OnConnection(context.Background(), "CP001")
	reg.OnDisconnect(context.Background(), "CP001", nil)

	want := []string{"a:CP001", "c:CP001", "d:CP001"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestCloseWaitsForHooks(t *testing.T) {
	reg := NewRegistry()
	var closed int32
	for i := 0; i < 3; i++ {
		_ = reg.Register(context.Background(), Funcs{Close: func(ctx context.Context) error {
			atomic.AddInt32(&closed, 1)
			return nil
		}})
	}
	reg.Close(context.Background())
	if got := atomic.LoadInt32(&closed); got != 3 {
		t.Fatalf("closed %d hooks", got)
	}
}

func TestCloseGraceBoundsSlowHook(t *testing.T) {
	reg := NewRegistry()
	reg.SetCloseGrace(50 * time.Millisecond)
	release := make(chan struct{})
	_ = reg.Register(context.Background(), Funcs{Close: func(ctx context.Context) error {
		<-release
		return nil
	}})

	start := time.Now()
	reg.Close(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Close blocked %s despite the grace window", elapsed)
	}
	close(release)
}
