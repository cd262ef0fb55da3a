package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocppware/ocppws-go/internal/logger"
)

// RedisOptions configures the go-redis backed drivers.
type RedisOptions struct {
	Addrs    []string // one address for single-node mode
	Username string
	Password string
}

// redisDriver adapts a redis.UniversalClient (single-node or cluster)
// to the Driver interface. In cluster mode the adapter hash-tags its
// keys ({identity}, {nodeId}) so presence keys and streams that belong
// together land on the same shard.
type redisDriver struct {
	client   redis.UniversalClient
	hashTags bool

	subMu sync.Mutex
	subs  map[string]*redis.PubSub

	cbMu         sync.Mutex
	errFns       []func(error)
	reconnectFns []func()
	connected    bool
}

// NewSingleNodeDriver returns a Driver over one Redis-compatible node.
func NewSingleNodeDriver(opts RedisOptions) Driver {
	d := &redisDriver{subs: make(map[string]*redis.PubSub)}
	addr := "127.0.0.1:6379"
	if len(opts.Addrs) > 0 {
		addr = opts.Addrs[0]
	}
	d.client = redis.NewClient(&redis.Options{
		Addr:      addr,
		Username:  opts.Username,
		Password:  opts.Password,
		OnConnect: d.onConnect,
	})
	return d
}

// NewClusterDriver returns a Driver over a Redis cluster. Keys built
// against it are hash-tagged so related keys co-shard.
func NewClusterDriver(opts RedisOptions) Driver {
	d := &redisDriver{subs: make(map[string]*redis.PubSub), hashTags: true}
	d.client = redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:     opts.Addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		OnConnect: d.onConnect,
	})
	return d
}

// NewDriver selects a backend by mode ("single" or "cluster"),
// mirroring the donor's factory-selected container runtime.
func NewDriver(mode string, opts RedisOptions) (Driver, error) {
	switch mode {
	case "", "single":
		return NewSingleNodeDriver(opts), nil
	case "cluster":
		return NewClusterDriver(opts), nil
	default:
		return nil, fmt.Errorf("cluster: unknown driver mode %q", mode)
	}
}

func (d *redisDriver) onConnect(ctx context.Context, cn *redis.Conn) error {
	d.cbMu.Lock()
	first := !d.connected
	d.connected = true
	fns := append([]func(){}, d.reconnectFns...)
	d.cbMu.Unlock()
	if first {
		return nil
	}
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (d *redisDriver) reportError(err error) {
	d.cbMu.Lock()
	fns := append([]func(error){}, d.errFns...)
	d.cbMu.Unlock()
	if len(fns) == 0 {
		logger.Error("cluster: driver error: %v", err)
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}

func (d *redisDriver) HashTagKeys() bool { return d.hashTags }

func (d *redisDriver) Publish(ctx context.Context, channel, payload string) error {
	return d.client.Publish(ctx, channel, payload).Err()
}

func (d *redisDriver) Subscribe(ctx context.Context, channel string, fn func(channel, payload string)) error {
	d.subMu.Lock()
	if prior, ok := d.subs[channel]; ok {
		_ = prior.Close()
	}
	ps := d.client.Subscribe(ctx, channel)
	d.subs[channel] = ps
	d.subMu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			fn(msg.Channel, msg.Payload)
		}
		d.subMu.Lock()
		_, active := d.subs[channel]
		d.subMu.Unlock()
		if active {
			d.reportError(fmt.Errorf("cluster: subscription to %s ended unexpectedly", channel))
		}
	}()
	return nil
}

func (d *redisDriver) Unsubscribe(ctx context.Context, channel string) error {
	d.subMu.Lock()
	ps, ok := d.subs[channel]
	delete(d.subs, channel)
	d.subMu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}

func (d *redisDriver) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return d.client.Set(ctx, key, value, ttl).Err()
}

func (d *redisDriver) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (d *redisDriver) MGet(ctx context.Context, keys ...string) ([]string, error) {
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

func (d *redisDriver) Del(ctx context.Context, keys ...string) error {
	return d.client.Del(ctx, keys...).Err()
}

func (d *redisDriver) XAdd(ctx context.Context, stream string, maxLen int64, fields map[string]any) (string, error) {
	return d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: fields,
	}).Result()
}

func (d *redisDriver) XRead(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error) {
	res, err := d.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Block:   block,
		Count:   count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // block window elapsed with nothing new
	}
	if err != nil {
		return nil, err
	}
	var entries []StreamEntry
	for _, st := range res {
		for _, msg := range st.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			entries = append(entries, StreamEntry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

func (d *redisDriver) XLen(ctx context.Context, stream string) (int64, error) {
	return d.client.XLen(ctx, stream).Result()
}

func (d *redisDriver) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return d.client.Expire(ctx, key, ttl).Err()
}

func (d *redisDriver) OnError(fn func(error)) {
	d.cbMu.Lock()
	d.errFns = append(d.errFns, fn)
	d.cbMu.Unlock()
}

func (d *redisDriver) OnReconnect(fn func()) {
	d.cbMu.Lock()
	d.reconnectFns = append(d.reconnectFns, fn)
	d.cbMu.Unlock()
}

func (d *redisDriver) Disconnect() error {
	d.subMu.Lock()
	for ch, ps := range d.subs {
		_ = ps.Close()
		delete(d.subs, ch)
	}
	d.subMu.Unlock()
	return d.client.Close()
}
