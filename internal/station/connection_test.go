package station

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ocppware/ocppws-go/internal/ocpp"
	"github.com/ocppware/ocppws-go/internal/rpcengine"
	"github.com/ocppware/ocppws-go/internal/transport"
)

// fakeConn is an in-memory transport.Conn for tests: writes land in
// "sent", reads are served from "inbox" (fed by the test).
type fakeConn struct {
	mu         sync.Mutex
	sent       [][]byte
	inbox      chan []byte
	closed     bool
	closeCode  int
	closeRsn   string
	pongFn     func()
	remoteAddr string
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), remoteAddr: "127.0.0.1:1234"}
}

func (f *fakeConn) ReadMessage(ctx context.Context) (transport.FrameType, []byte, error) {
	data, ok := <-f.inbox
	if !ok {
		return 0, nil, transport.ErrClosed
	}
	return transport.FrameText, data, nil
}

func (f *fakeConn) WriteMessage(ctx context.Context, ft transport.FrameType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error {
	if f.pongFn != nil {
		f.pongFn()
	}
	return nil
}

func (f *fakeConn) SetPongHandler(fn func()) { f.pongFn = fn }

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.closeCode = code
	f.closeRsn = reason
	close(f.inbox)
	return nil
}

func (f *fakeConn) RemoteAddr() string { return f.remoteAddr }

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func TestAttachEntersOpenAndDispatchesInbound(t *testing.T) {
	conn := newFakeConn()
	c := Attach(Config{Variant: ocpp.Variant16}, conn, &ocpp.Handshake{Identity: "CP1"}, "ocpp1.6")
	defer c.Close(CloseOpts{Force: true})

	if c.State() != StateOpen {
		t.Fatalf("expected OPEN after Attach, got %s", c.State())
	}

	c.Engine().RegisterHandler(ocpp.Variant16, "Heartbeat", func(ctx context.Context, action string, payload json.RawMessage) (any, error) {
		return map[string]any{"currentTime": "2024-01-01T00:00:00Z"}, nil
	})

	conn.inbox <- []byte(`[2,"m1","Heartbeat",{}]`)

	deadline := time.After(time.Second)
	for conn.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reply")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(conn.lastSent(), &frame); err != nil {
		t.Fatalf("reply not valid JSON array: %v", err)
	}
	var typeID int
	_ = json.Unmarshal(frame[0], &typeID)
	if typeID != ocpp.TypeCallResult {
		t.Fatalf("expected CALLRESULT, got %d", typeID)
	}
}

func TestForcedCloseRejectsPendingCalls(t *testing.T) {
	conn := newFakeConn()
	c := Attach(Config{Variant: ocpp.Variant16, CallTimeout: 5 * time.Second}, conn, &ocpp.Handshake{Identity: "CP1"}, "ocpp1.6")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Engine().Call(context.Background(), "Heartbeat", map[string]any{}, rpcengine.CallOpts{})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Close(CloseOpts{Code: 1000, Force: true}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", c.State())
	}

	select {
	case err := <-errCh:
		if _, ok := err.(*ocpp.ConnectionClosed); !ok {
			t.Fatalf("expected *ocpp.ConnectionClosed, got %T (%v)", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call was not rejected by forced close")
	}
}

func TestDialLoopBuffersWhileConnectingThenFlushes(t *testing.T) {
	conn := newFakeConn()
	proceed := make(chan struct{})
	dialed := make(chan struct{})
	dialer := &fakeDialer{
		dial: func(ctx context.Context, url string, protos []string, hdr http.Header) (transport.Conn, string, error) {
			close(dialed)
			<-proceed
			return conn, "ocpp1.6", nil
		},
	}

	c := New(Config{
		Variant:   ocpp.Variant16,
		Dialer:    dialer,
		URL:       "ws://example/cp1",
		Protocols: []string{"ocpp1.6"},
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-dialed:
	case <-time.After(time.Second):
		t.Fatal("dialer was never invoked")
	}

	sendDone := make(chan struct{})
	go func() {
		_ = c.send(context.Background(), []byte("hello"))
		close(sendDone)
	}()
	time.Sleep(20 * time.Millisecond) // give send a chance to land in the buffer
	close(proceed)

	select {
	case <-sendDone:
	case <-time.After(time.Second):
		t.Fatal("buffered send was never flushed after OPEN")
	}

	if conn.sentCount() != 1 {
		t.Fatalf("expected the buffered write to flush, got %d sent", conn.sentCount())
	}
	c.Close(CloseOpts{Force: true})
}

type fakeDialer struct {
	dial func(ctx context.Context, url string, protos []string, hdr http.Header) (transport.Conn, string, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string, protos []string, hdr http.Header) (transport.Conn, string, error) {
	return d.dial(ctx, url, protos, hdr)
}
