// Package bridge replicates channel broadcasts between processes over Redis
// pub/sub, so a client connected to any instance sees every broadcast.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/errors"
	"github.com/nmxmxh/iot-realtime/pkg/health"
	"github.com/nmxmxh/iot-realtime/pkg/json"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	pkgredis "github.com/nmxmxh/iot-realtime/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	entityChannel = "channel"
	entityLeader  = "leader"
)

// Conn is the Redis surface the bridge needs. *pkgredis.Client satisfies it.
type Conn interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	PSubscribe(ctx context.Context, patterns ...string) *goredis.PubSub
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	IsAvailable(ctx context.Context) error
}

var _ Conn = (*pkgredis.Client)(nil)

// Local delivers relayed envelopes to this process's connections only.
type Local interface {
	BroadcastLocal(ch channel.Name, env event.Envelope) int
}

// State is the local device directory. Relayed status changes and readings are
// applied to it so every process answers status queries the same way.
// *device.Directory satisfies it.
type State interface {
	SetStatus(id string, status device.Status, at time.Time) (bool, error)
	Touch(id string, at time.Time) error
}

// Message is the pub/sub payload. The channel name travels in the Redis key.
type Message struct {
	Origin   string          `json:"origin"`
	Envelope json.RawMessage `json:"envelope"`
}

type Options struct {
	Namespace      string
	Origin         string
	QueueSize      int
	PublishTimeout time.Duration
	LeaseTTL       time.Duration
	State          State
}

type outbound struct {
	key     string
	payload []byte
}

// Bridge publishes local broadcasts and replays foreign ones locally.
type Bridge struct {
	log     *zap.Logger
	conn    Conn
	local   Local
	keys    *pkgredis.KeyBuilder
	opts    Options
	breaker *gobreaker.CircuitBreaker
	queue   chan outbound
	leader  atomic.Bool
}

func New(conn Conn, local Local, log *zap.Logger, opts Options) *Bridge {
	if opts.Namespace == "" {
		opts.Namespace = "iot"
	}
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Second
	}
	log = log.With(zap.String("module", "bridge"), zap.String("origin", opts.Origin))
	return &Bridge{
		log:   log,
		conn:  conn,
		local: local,
		keys:  pkgredis.NewKeyBuilder(opts.Namespace, "realtime"),
		opts:  opts,
		queue: make(chan outbound, opts.QueueSize),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "RedisBridgePublish",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

// Origin identifies this process on the bus.
func (b *Bridge) Origin() string { return b.opts.Origin }

// Relay queues a local broadcast for publication. It never blocks; a full
// queue drops the message. Install it with Registry.SetRelay.
func (b *Bridge) Relay(ch channel.Name, env event.Envelope) {
	frame, err := event.Encode(env)
	if err != nil {
		metrics.BridgeMessages.WithLabelValues("out", "encode_error").Inc()
		return
	}
	payload, err := json.Marshal(Message{Origin: b.opts.Origin, Envelope: frame})
	if err != nil {
		metrics.BridgeMessages.WithLabelValues("out", "encode_error").Inc()
		return
	}
	select {
	case b.queue <- outbound{key: b.keys.Build(entityChannel, string(ch)), payload: payload}:
	default:
		metrics.BridgeMessages.WithLabelValues("out", "dropped").Inc()
	}
}

// Run publishes queued messages, consumes the bus, and keeps the status
// leadership lease until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.publishLoop(ctx) })
	g.Go(func() error { return b.subscribeLoop(ctx) })
	g.Go(func() error { return b.leaseLoop(ctx) })
	return g.Wait()
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.queue:
			b.publish(ctx, msg)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, msg outbound) {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
		defer cancel()
		return nil, b.conn.Publish(pctx, msg.key, msg.payload).Err()
	})
	if err != nil {
		metrics.BridgeMessages.WithLabelValues("out", "error").Inc()
		b.log.Debug("bridge publish failed", zap.String("key", msg.key), zap.Error(err))
		return
	}
	metrics.BridgeMessages.WithLabelValues("out", "ok").Inc()
}

func (b *Bridge) subscribeLoop(ctx context.Context) error {
	pattern := b.keys.BuildPattern(entityChannel, "*")
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		sub := b.conn.PSubscribe(ctx, pattern)
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			b.log.Warn("bridge subscribe failed, retrying", zap.Error(err))
			return err
		}
		b.log.Info("bridge subscribed", zap.String("pattern", pattern))

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case m, ok := <-msgs:
				if !ok {
					return fmt.Errorf("subscription to %s closed", pattern)
				}
				if err := b.Handle(m.Channel, []byte(m.Payload)); err != nil {
					b.log.Debug("dropping bridge message", zap.String("key", m.Channel), zap.Error(err))
				}
			}
		}
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Handle replays one bus message to local connections. Messages published by
// this process are skipped.
func (b *Bridge) Handle(key string, payload []byte) error {
	name, ok := b.keys.Attribute(entityChannel, key)
	if !ok || name == "" {
		metrics.BridgeMessages.WithLabelValues("in", "invalid").Inc()
		return errors.Wrap(errors.ErrInvalidInput, "unexpected key "+key)
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.BridgeMessages.WithLabelValues("in", "invalid").Inc()
		return errors.Wrap(errors.ErrInvalidInput, "bridge payload")
	}
	if msg.Origin == b.opts.Origin {
		metrics.BridgeMessages.WithLabelValues("in", "own").Inc()
		return nil
	}
	raw, err := event.Decode(msg.Envelope)
	if err != nil {
		metrics.BridgeMessages.WithLabelValues("in", "invalid").Inc()
		return errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	b.apply(raw)
	b.local.BroadcastLocal(channel.Name(name), raw.Envelope())
	metrics.BridgeMessages.WithLabelValues("in", "ok").Inc()
	return nil
}

// apply mirrors another process's device state changes into State. Failures
// are logged; the envelope is still delivered.
func (b *Bridge) apply(raw event.Raw) {
	if b.opts.State == nil {
		return
	}
	var err error
	switch raw.Type {
	case event.TypeDeviceStatusChange:
		var change event.StatusChange
		if err = json.Unmarshal(raw.Data, &change); err == nil {
			_, err = b.opts.State.SetStatus(change.DeviceID, change.Status, change.LastSeen)
		}
	case event.TypeSensorDataUpdate:
		var data event.SensorData
		if err = json.Unmarshal(raw.Data, &data); err == nil {
			err = b.opts.State.Touch(data.DeviceID, data.Timestamp)
		}
	default:
		return
	}
	if err != nil {
		b.log.Debug("relayed state not applied", zap.String("type", string(raw.Type)), zap.Error(err))
	}
}

func (b *Bridge) leaseLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		b.renewLease(ctx)
		select {
		case <-ctx.Done():
			b.leader.Store(false)
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Bridge) renewLease(ctx context.Context) {
	key := b.keys.Build(entityLeader, "status")
	held, err := b.conn.AcquireLease(ctx, key, b.opts.Origin, b.opts.LeaseTTL)
	if err != nil {
		b.log.Warn("status lease renewal failed", zap.Error(err))
		held = false
	}
	if was := b.leader.Swap(held); was != held {
		b.log.Info("status leadership changed", zap.Bool("leader", held))
	}
}

// IsLeader reports whether this process owns the simulation. Pass it as the
// generator's LeaderGate.
func (b *Bridge) IsLeader() bool { return b.leader.Load() }

// HealthCheck reports Redis reachability.
func (b *Bridge) HealthCheck() health.HealthCheck {
	return health.NewCheck("redis", b.conn.IsAvailable)
}
