package router

import "testing"

func TestRunChainStopsOnReject(t *testing.T) {
	var ranSecond bool
	chain := []Middleware{
		func(ctx *Context) error {
			ctx.Reject(403, "forbidden", nil)
			return nil
		},
		func(ctx *Context) error {
			ranSecond = true
			return ctx.Next(nil)
		},
	}
	ctx := NewContext(nil, "CP1", "/ocpp/CP1", nil, nil, nil, "127.0.0.1")
	abort, err := RunChain(ctx, chain)
	if err != nil {
		t.Fatalf("RunChain: %v", err)
	}
	if abort == nil || abort.Status != 403 {
		t.Fatalf("expected 403 abort, got %+v", abort)
	}
	if ranSecond {
		t.Fatal("chain continued past a rejecting middleware")
	}
}

func TestRunChainPropagatesState(t *testing.T) {
	chain := []Middleware{
		func(ctx *Context) error { return ctx.Next(map[string]any{"k": "v"}) },
		func(ctx *Context) error {
			if ctx.State["k"] != "v" {
				t.Fatalf("expected state to carry forward, got %v", ctx.State)
			}
			return ctx.Next(nil)
		},
	}
	ctx := NewContext(nil, "CP1", "/ocpp/CP1", nil, nil, nil, "127.0.0.1")
	if _, err := RunChain(ctx, chain); err != nil {
		t.Fatalf("RunChain: %v", err)
	}
}

func TestRunChainErrorsWhenMiddlewareSkipsNext(t *testing.T) {
	chain := []Middleware{
		func(ctx *Context) error { return nil },
	}
	ctx := NewContext(nil, "CP1", "/ocpp/CP1", nil, nil, nil, "127.0.0.1")
	_, err := RunChain(ctx, chain)
	if err != ErrMiddlewareDidNotCallNext {
		t.Fatalf("expected ErrMiddlewareDidNotCallNext, got %v", err)
	}
}

func TestNextCalledTwiceIsRejected(t *testing.T) {
	ctx := NewContext(nil, "CP1", "/ocpp/CP1", nil, nil, nil, "127.0.0.1")
	if err := ctx.Next(nil); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if err := ctx.Next(nil); err != ErrNextCalledTwice {
		t.Fatalf("expected ErrNextCalledTwice, got %v", err)
	}
}
