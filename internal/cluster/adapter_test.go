package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ocppware/ocppws-go/internal/ocpp"
)

// fakeDriver is an in-memory Driver: a string map with TTLs for keys,
// append-only slices for streams, and direct-call pub/sub. XRead polls
// instead of blocking so tests never stall.
type fakeDriver struct {
	mu      sync.Mutex
	kv      map[string]fakeVal
	streams map[string][]StreamEntry
	seq     int
	subs    map[string]func(channel, payload string)
}

type fakeVal struct {
	value   string
	expires time.Time
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		kv:      make(map[string]fakeVal),
		streams: make(map[string][]StreamEntry),
		subs:    make(map[string]func(channel, payload string)),
	}
}

func (f *fakeDriver) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	fn := f.subs[channel]
	f.mu.Unlock()
	if fn != nil {
		fn(channel, payload)
	}
	return nil
}

func (f *fakeDriver) Subscribe(ctx context.Context, channel string, fn func(channel, payload string)) error {
	f.mu.Lock()
	f.subs[channel] = fn
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	delete(f.subs, channel)
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	f.kv[key] = fakeVal{value: value, expires: time.Now().Add(ttl)}
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok || time.Now().After(v.expires) {
		return "", false, nil
	}
	return v.value, true, nil
}

func (f *fakeDriver) MGet(ctx context.Context, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		v, ok, _ := f.Get(ctx, k)
		if ok {
			out[i] = v
		}
	}
	return out, nil
}

func (f *fakeDriver) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	for _, k := range keys {
		delete(f.kv, k)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) XAdd(ctx context.Context, stream string, maxLen int64, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%012d-0", f.seq)
	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			strFields[k] = s
		}
	}
	entries := append(f.streams[stream], StreamEntry{ID: id, Fields: strFields})
	if maxLen > 0 && int64(len(entries)) > maxLen {
		entries = entries[int64(len(entries))-maxLen:]
	}
	f.streams[stream] = entries
	return id, nil
}

func (f *fakeDriver) XRead(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error) {
	deadline := time.Now().Add(block)
	for {
		f.mu.Lock()
		var out []StreamEntry
		for _, e := range f.streams[stream] {
			if e.ID > lastID {
				out = append(out, e)
			}
		}
		f.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeDriver) XLen(ctx context.Context, stream string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.streams[stream])), nil
}

func (f *fakeDriver) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.kv[key]; ok {
		v.expires = time.Now().Add(ttl)
		f.kv[key] = v
	}
	return nil
}

func (f *fakeDriver) OnError(fn func(error)) {}
func (f *fakeDriver) OnReconnect(fn func())  {}
func (f *fakeDriver) Disconnect() error      { return nil }
func (f *fakeDriver) HashTagKeys() bool      { return false }

func TestClaimPresenceLastWriterWins(t *testing.T) {
	drv := newFakeDriver()
	n1 := New(drv, Options{NodeID: "n1"})
	n2 := New(drv, Options{NodeID: "n2"})
	ctx := context.Background()

	if ok, err := n1.ClaimPresence(ctx, "CP001", time.Minute); err != nil || !ok {
		t.Fatalf("n1 claim: ok=%v err=%v", ok, err)
	}
	if ok, err := n2.ClaimPresence(ctx, "CP001", time.Minute); err != nil || !ok {
		t.Fatalf("n2 claim: ok=%v err=%v", ok, err)
	}

	owner, ok, err := n1.Lookup(ctx, "CP001")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if owner != "n2" {
		t.Fatalf("last writer should win, owner = %q", owner)
	}
}

func TestReleasePresenceKeepsNewerClaim(t *testing.T) {
	drv := newFakeDriver()
	n1 := New(drv, Options{NodeID: "n1"})
	n2 := New(drv, Options{NodeID: "n2"})
	ctx := context.Background()

	_, _ = n1.ClaimPresence(ctx, "CP001", time.Minute)
	_, _ = n2.ClaimPresence(ctx, "CP001", time.Minute)

	// n1 releasing after losing the race must not delete n2's claim.
	n1.ReleasePresence(ctx, "CP001")
	owner, ok, _ := n2.Lookup(ctx, "CP001")
	if !ok || owner != "n2" {
		t.Fatalf("release clobbered the newer claim: ok=%v owner=%q", ok, owner)
	}

	n2.ReleasePresence(ctx, "CP001")
	if _, ok, _ := n2.Lookup(ctx, "CP001"); ok {
		t.Fatal("owner's release should delete the key")
	}
}

func TestPresenceLostFiresOnRefresh(t *testing.T) {
	drv := newFakeDriver()
	n1 := New(drv, Options{NodeID: "n1", RefreshInterval: 20 * time.Millisecond})
	n2 := New(drv, Options{NodeID: "n2"})
	ctx := context.Background()

	lost := make(chan string, 1)
	n1.OnPresenceLost(func(identity string) { lost <- identity })
	n1.Start()
	defer n1.Stop()

	_, _ = n1.ClaimPresence(ctx, "DUP", time.Minute)
	_, _ = n2.ClaimPresence(ctx, "DUP", time.Minute)

	select {
	case id := <-lost:
		if id != "DUP" {
			t.Fatalf("lost identity = %q, want DUP", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence-lost callback never fired")
	}
}

func TestRelayCallRoundTrip(t *testing.T) {
	drv := newFakeDriver()
	requester := New(drv, Options{NodeID: "n-req"})
	target := New(drv, Options{NodeID: "n-tgt", RefreshInterval: time.Minute})
	ctx := context.Background()

	target.SetDispatcher(func(ctx context.Context, identity, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
		if identity != "CP-REMOTE" || action != "Heartbeat" {
			t.Errorf("dispatch got (%s, %s)", identity, action)
		}
		return json.RawMessage(`{"currentTime":"2026-01-01T00:00:00Z"}`), nil
	})
	requester.Start()
	defer requester.Stop()
	target.Start()
	defer target.Stop()

	if _, err := target.ClaimPresence(ctx, "CP-REMOTE", time.Minute); err != nil {
		t.Fatal(err)
	}

	result, err := requester.RelayCall(ctx, "CP-REMOTE", "Heartbeat", map[string]any{}, 3*time.Second)
	if err != nil {
		t.Fatalf("RelayCall: %v", err)
	}
	raw, ok := result.(json.RawMessage)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if !strings.Contains(string(raw), "currentTime") {
		t.Fatalf("unexpected payload %s", raw)
	}
}

func TestRelayCallPropagatesRPCError(t *testing.T) {
	drv := newFakeDriver()
	requester := New(drv, Options{NodeID: "n-req"})
	target := New(drv, Options{NodeID: "n-tgt", RefreshInterval: time.Minute})
	ctx := context.Background()

	target.SetDispatcher(func(ctx context.Context, identity, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
		return nil, ocpp.NewRPCError(ocpp.ErrNotImplemented, "Requested method is not known")
	})
	requester.Start()
	defer requester.Stop()
	target.Start()
	defer target.Stop()

	_, _ = target.ClaimPresence(ctx, "CP-X", time.Minute)

	_, err := requester.RelayCall(ctx, "CP-X", "Bogus", map[string]any{}, 3*time.Second)
	var rpcErr *ocpp.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("want *ocpp.RPCError, got %v", err)
	}
	if rpcErr.Code != ocpp.ErrNotImplemented {
		t.Fatalf("code = %s", rpcErr.Code)
	}
}

func TestRelayCallTimesOutWhenTargetDead(t *testing.T) {
	drv := newFakeDriver()
	requester := New(drv, Options{NodeID: "n-req"})
	ctx := context.Background()

	// Presence points at a node that is not consuming its call stream.
	_ = drv.SetEX(ctx, DefaultChannelPrefix+"presence:CP-GONE", "n-dead", time.Minute)
	requester.Start()
	defer requester.Stop()

	start := time.Now()
	_, err := requester.RelayCall(ctx, "CP-GONE", "Heartbeat", map[string]any{}, 200*time.Millisecond)
	var te *ocpp.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("want *ocpp.TimeoutError, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout took far longer than the deadline")
	}
}

func TestRelayCallNoPresence(t *testing.T) {
	drv := newFakeDriver()
	requester := New(drv, Options{NodeID: "n-req"})
	_, err := requester.RelayCall(context.Background(), "NOBODY", "Heartbeat", map[string]any{}, time.Second)
	if err == nil {
		t.Fatal("want error for identity with no presence")
	}
}

func TestEventPubSub(t *testing.T) {
	drv := newFakeDriver()
	a := New(drv, Options{NodeID: "n1"})
	ctx := context.Background()

	got := make(chan json.RawMessage, 1)
	if err := a.SubscribeEvent(ctx, "maintenance", func(payload json.RawMessage) { got <- payload }); err != nil {
		t.Fatal(err)
	}
	if err := a.PublishEvent(ctx, "maintenance", map[string]any{"drain": true}); err != nil {
		t.Fatal(err)
	}
	select {
	case payload := <-got:
		if !strings.Contains(string(payload), "drain") {
			t.Fatalf("payload %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}

	if err := a.UnsubscribeEvent(ctx, "maintenance"); err != nil {
		t.Fatal(err)
	}
	_ = a.PublishEvent(ctx, "maintenance", map[string]any{"drain": false})
	select {
	case <-got:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}
