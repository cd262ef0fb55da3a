package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocppware/ocppws-go/internal/logger"
	"github.com/ocppware/ocppws-go/internal/metrics"
	"github.com/ocppware/ocppws-go/internal/ocpp"
)

// DefaultChannelPrefix namespaces every key, stream, and channel the
// adapter touches.
const DefaultChannelPrefix = "ocpp-ws-io:"

// DefaultStreamMaxLen caps relay streams via approximate trimming.
const DefaultStreamMaxLen = 4096

// xreadBlock is how long each consume-loop iteration blocks waiting
// for new stream entries before re-checking for shutdown.
const xreadBlock = 2 * time.Second

// Dispatcher delivers a relayed inbound CALL to the local connection
// that owns identity. The server wires this to its local call path.
type Dispatcher func(ctx context.Context, identity, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)

// Options configures an Adapter.
type Options struct {
	NodeID        string
	ChannelPrefix string
	StreamMaxLen  int64
	// RefreshInterval is how often claimed presence keys are re-checked
	// and their TTLs refreshed. The detection cadence for a lost claim
	// is implementation-defined; this is it.
	RefreshInterval time.Duration
}

// relayResult is the terminal outcome of one cross-node call.
type relayResult struct {
	payload json.RawMessage
	err     error
}

// claim tracks one locally-owned identity whose presence key this node
// keeps alive.
type claim struct {
	ttl time.Duration
}

// Adapter is the cluster coordination layer (C12): presence claims
// with last-writer-wins, and durable call/result relay between nodes
// over the driver's streams. Start it once after construction; Stop
// tears down the consume and refresh loops (the donor's
// Start/Stop-with-cancel-and-WaitGroup lifecycle shape).
type Adapter struct {
	drv  Driver
	opts Options

	dispatchMu sync.RWMutex
	dispatch   Dispatcher

	lostMu sync.RWMutex
	lost   func(identity string)

	pendingMu sync.Mutex
	pending   map[string]chan relayResult

	claimMu sync.Mutex
	claims  map[string]claim

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Adapter over drv. NodeID defaults to a generated UUID;
// a stable configured id is strongly preferred so relay streams survive
// a node restart.
func New(drv Driver, opts Options) *Adapter {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = DefaultChannelPrefix
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = DefaultStreamMaxLen
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Second
	}
	return &Adapter{
		drv:     drv,
		opts:    opts,
		pending: make(map[string]chan relayResult),
		claims:  make(map[string]claim),
	}
}

// Enabled reports whether the adapter has a live driver.
func (a *Adapter) Enabled() bool { return a != nil && a.drv != nil }

// NodeID returns this node's cluster identity.
func (a *Adapter) NodeID() string { return a.opts.NodeID }

// SetDispatcher wires the local-delivery path for relayed calls. Must
// be set before Start.
func (a *Adapter) SetDispatcher(fn Dispatcher) {
	a.dispatchMu.Lock()
	a.dispatch = fn
	a.dispatchMu.Unlock()
}

// OnPresenceLost registers the callback invoked when a presence
// refresh observes that another node now owns an identity this node
// had claimed. The server closes the local connection with 1001.
func (a *Adapter) OnPresenceLost(fn func(identity string)) {
	a.lostMu.Lock()
	a.lost = fn
	a.lostMu.Unlock()
}

// Start launches the call/result consume loops and the presence
// refresh loop.
func (a *Adapter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(3)
	go a.consumeCalls(ctx)
	go a.consumeResults(ctx)
	go a.refreshLoop(ctx)
}

// Stop cancels the loops, waits for them to drain, and disconnects the
// driver.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	_ = a.drv.Disconnect()
}

func (a *Adapter) presenceKey(identity string) string {
	if a.drv.HashTagKeys() {
		return a.opts.ChannelPrefix + "presence:{" + identity + "}"
	}
	return a.opts.ChannelPrefix + "presence:" + identity
}

func (a *Adapter) callStream(nodeID string) string {
	if a.drv.HashTagKeys() {
		return a.opts.ChannelPrefix + "call:{" + nodeID + "}"
	}
	return a.opts.ChannelPrefix + "call:" + nodeID
}

func (a *Adapter) resultStream(nodeID string) string {
	if a.drv.HashTagKeys() {
		return a.opts.ChannelPrefix + "result:{" + nodeID + "}"
	}
	return a.opts.ChannelPrefix + "result:" + nodeID
}

func (a *Adapter) eventChannel(topic string) string {
	return a.opts.ChannelPrefix + "event:" + topic
}

// ClaimPresence writes presence:<identity> = this node. Last writer
// wins: the claim always succeeds unless the driver fails; a prior
// owner learns it lost on its next refresh tick.
func (a *Adapter) ClaimPresence(ctx context.Context, identity string, ttl time.Duration) (bool, error) {
	if err := a.drv.SetEX(ctx, a.presenceKey(identity), a.opts.NodeID, ttl); err != nil {
		return false, err
	}
	a.claimMu.Lock()
	a.claims[identity] = claim{ttl: ttl}
	a.claimMu.Unlock()
	return true, nil
}

// ReleasePresence deletes the presence key, but only while this node
// still owns it - a newer claim by a peer must not be clobbered.
func (a *Adapter) ReleasePresence(ctx context.Context, identity string) {
	a.claimMu.Lock()
	delete(a.claims, identity)
	a.claimMu.Unlock()

	key := a.presenceKey(identity)
	owner, ok, err := a.drv.Get(ctx, key)
	if err != nil || !ok || owner != a.opts.NodeID {
		return
	}
	_ = a.drv.Del(ctx, key)
}

// Lookup returns the node currently owning identity, if any.
func (a *Adapter) Lookup(ctx context.Context, identity string) (string, bool, error) {
	return a.drv.Get(ctx, a.presenceKey(identity))
}

// refreshLoop periodically re-checks every claimed identity: a claim
// still owned gets its TTL refreshed; a claim observed under another
// node's ownership fires the presence-lost callback and is dropped.
func (a *Adapter) refreshLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.claimMu.Lock()
		snapshot := make(map[string]claim, len(a.claims))
		for id, c := range a.claims {
			snapshot[id] = c
		}
		a.claimMu.Unlock()

		for identity, c := range snapshot {
			key := a.presenceKey(identity)
			owner, ok, err := a.drv.Get(ctx, key)
			if err != nil {
				continue // transient driver failure; retry next tick
			}
			if ok && owner != a.opts.NodeID {
				logger.Info("cluster: lost presence for %s to node %s", identity, owner)
				a.claimMu.Lock()
				delete(a.claims, identity)
				a.claimMu.Unlock()
				a.lostMu.RLock()
				fn := a.lost
				a.lostMu.RUnlock()
				if fn != nil {
					fn(identity)
				}
				continue
			}
			if !ok {
				// TTL expired before we refreshed; re-claim.
				_ = a.drv.SetEX(ctx, key, a.opts.NodeID, c.ttl)
				continue
			}
			_ = a.drv.Expire(ctx, key, c.ttl)
		}
	}
}

// RelayCall routes a CALL addressed to an identity owned by another
// node (spec §4.11 cross-node call flow): presence lookup, xadd onto
// the owner's call stream, then wait for the matching entry on this
// node's result stream.
func (a *Adapter) RelayCall(ctx context.Context, identity, action string, payload any, timeout time.Duration) (any, error) {
	target, ok, err := a.Lookup(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cluster: identity %q has no presence on any node", identity)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cluster: encoding payload: %w", err)
	}

	msgID := uuid.NewString()
	deadline := time.Now().Add(timeout).UnixMilli()

	ch := make(chan relayResult, 1)
	a.pendingMu.Lock()
	a.pending[msgID] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, msgID)
		a.pendingMu.Unlock()
	}()

	_, err = a.drv.XAdd(ctx, a.callStream(target), a.opts.StreamMaxLen, map[string]any{
		"from":     a.opts.NodeID,
		"to":       identity,
		"msgId":    msgID,
		"action":   action,
		"payload":  string(payloadJSON),
		"deadline": strconv.FormatInt(deadline, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: relaying call to node %s: %w", target, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-time.After(timeout):
		return nil, &ocpp.TimeoutError{Msg: fmt.Sprintf("cluster call %s to %s", action, identity)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// consumeCalls pops entries off this node's call stream, delivers each
// to the local connection via the dispatcher, and pushes the outcome
// onto the requester's result stream.
func (a *Adapter) consumeCalls(ctx context.Context) {
	defer a.wg.Done()
	// Reading from 0 replays whatever the trimmed stream still holds;
	// replays are harmless - stale calls fail the deadline check and
	// stale results find no pending entry (msgId is the single source
	// of truth).
	stream := a.callStream(a.opts.NodeID)
	lastID := "0"
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := a.drv.XRead(ctx, stream, lastID, xreadBlock, 64)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("cluster: reading call stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, entry := range entries {
			lastID = entry.ID
			a.handleRelayedCall(ctx, entry)
		}
	}
}

func (a *Adapter) handleRelayedCall(ctx context.Context, entry StreamEntry) {
	from := entry.Fields["from"]
	identity := entry.Fields["to"]
	msgID := entry.Fields["msgId"]
	action := entry.Fields["action"]
	payload := json.RawMessage(entry.Fields["payload"])

	deadlineMs, _ := strconv.ParseInt(entry.Fields["deadline"], 10, 64)
	remaining := time.Until(time.UnixMilli(deadlineMs))
	if remaining <= 0 {
		// The requester has already timed out; a reply would be noise.
		return
	}

	a.dispatchMu.RLock()
	dispatch := a.dispatch
	a.dispatchMu.RUnlock()

	fields := map[string]any{"from": a.opts.NodeID, "msgId": msgID}
	if dispatch == nil {
		fields["error"] = `{"code":"InternalError","description":"node has no local dispatcher"}`
	} else {
		result, err := dispatch(ctx, identity, action, payload, remaining)
		if err != nil {
			fields["error"] = encodeRelayError(err)
		} else {
			fields["payload"] = string(result)
		}
	}
	if _, err := a.drv.XAdd(ctx, a.resultStream(from), a.opts.StreamMaxLen, fields); err != nil {
		logger.Error("cluster: relaying result to node %s: %v", from, err)
	}
}

// consumeResults resolves pending relay calls from this node's result
// stream. Entries with no pending match are logged and discarded -
// replays are idempotent because the pending map keyed by msgId is the
// single source of truth.
func (a *Adapter) consumeResults(ctx context.Context) {
	defer a.wg.Done()
	stream := a.resultStream(a.opts.NodeID)
	lastID := "0"
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := a.drv.XRead(ctx, stream, lastID, xreadBlock, 64)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("cluster: reading result stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, entry := range entries {
			lastID = entry.ID
			a.resolveRelayed(entry)
		}
	}
}

func (a *Adapter) resolveRelayed(entry StreamEntry) {
	msgID := entry.Fields["msgId"]
	a.pendingMu.Lock()
	ch, ok := a.pending[msgID]
	delete(a.pending, msgID)
	a.pendingMu.Unlock()
	if !ok {
		logger.Info("cluster: discarding result for unknown msgId %s", msgID)
		return
	}

	if errJSON, hasErr := entry.Fields["error"]; hasErr {
		ch <- relayResult{err: decodeRelayError(errJSON)}
		metrics.RecordClusterCall("remote_error")
		return
	}
	ch <- relayResult{payload: json.RawMessage(entry.Fields["payload"])}
	metrics.RecordClusterCall("remote_ok")
}

// relayError is the wire shape of a CALLERROR crossing the cluster.
type relayError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func encodeRelayError(err error) string {
	re := relayError{Code: ocpp.ErrGenericError, Description: err.Error()}
	if rpcErr, ok := err.(*ocpp.RPCError); ok {
		re.Code = rpcErr.Code
		re.Description = rpcErr.Description
	}
	data, _ := json.Marshal(re)
	return string(data)
}

func decodeRelayError(raw string) error {
	var re relayError
	if err := json.Unmarshal([]byte(raw), &re); err != nil || re.Code == "" {
		return ocpp.NewRPCError(ocpp.ErrGenericError, raw)
	}
	return ocpp.NewRPCError(re.Code, re.Description)
}

// PublishEvent fans an opaque server-level event out on event:<topic>.
func (a *Adapter) PublishEvent(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.drv.Publish(ctx, a.eventChannel(topic), string(data))
}

// SubscribeEvent registers fn for events published on topic by any
// node, this one included.
func (a *Adapter) SubscribeEvent(ctx context.Context, topic string, fn func(payload json.RawMessage)) error {
	return a.drv.Subscribe(ctx, a.eventChannel(topic), func(_, payload string) {
		fn(json.RawMessage(payload))
	})
}

// UnsubscribeEvent removes the topic subscription.
func (a *Adapter) UnsubscribeEvent(ctx context.Context, topic string) error {
	return a.drv.Unsubscribe(ctx, a.eventChannel(topic))
}
