package parsepool

import (
	"testing"
	"time"
)

func TestSubmitRunsTask(t *testing.T) {
	p := New(2, 10)
	defer p.Stop(time.Second)

	ch, err := p.Submit(func() (any, error) { return 42, nil })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := <-ch
	if res.Value != 42 || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestQueueFullReturnsError(t *testing.T) {
	p := New(1, 1) // one worker, one slot per worker
	defer p.Stop(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	_, err := p.Submit(func() (any, error) { close(started); <-block; return nil, nil })
	if err != nil {
		t.Fatalf("first submit should succeed: %v", err)
	}
	<-started
	// worker is now busy; queue slot count is 1, so a 2nd queued task fills it
	_, err = p.Submit(func() (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("second submit should still fit the queue: %v", err)
	}
	_, err = p.Submit(func() (any, error) { return nil, nil })
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(block)
}

func TestSubmitOrInlineFallsBackWhenFull(t *testing.T) {
	p := New(1, 1)
	defer p.Stop(time.Second)

	block := make(chan struct{})
	p.Submit(func() (any, error) { <-block; return nil, nil })
	p.Submit(func() (any, error) { return nil, nil })

	res := SubmitOrInline(p, func() (any, error) { return "inline", nil })
	if res.Value != "inline" {
		t.Fatalf("expected inline fallback result, got %+v", res)
	}
	close(block)
}

func TestSubmitOrInlineNilPool(t *testing.T) {
	res := SubmitOrInline(nil, func() (any, error) { return "direct", nil })
	if res.Value != "direct" {
		t.Fatalf("expected direct execution with nil pool, got %+v", res)
	}
}

func TestStopIsGraceful(t *testing.T) {
	p := New(1, 4)
	done := make(chan struct{})
	p.Submit(func() (any, error) { close(done); return nil, nil })
	p.Stop(time.Second)
	select {
	case <-done:
	default:
		t.Fatal("expected queued task to have run before Stop returned")
	}
}
