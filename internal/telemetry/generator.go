// Package telemetry runs the simulated sensor feed: periodic readings for
// online devices and occasional random status transitions.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/errors"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Broadcaster is the part of the channel registry the generator writes to.
type Broadcaster interface {
	Broadcast(ch channel.Name, env event.Envelope) int
	BroadcastAll(env event.Envelope) int
}

// Options tunes the generator. Zero values take the defaults.
type Options struct {
	TelemetryInterval time.Duration
	StatusInterval    time.Duration
	FlipProbability   float64
	Rand              *rand.Rand
	Now               func() time.Time
	// LeaderGate, when set, must return true for either periodic tick to run.
	// With several processes sharing a bus it keeps a single simulation source.
	LeaderGate func() bool
}

const (
	DefaultTelemetryInterval = 5 * time.Second
	DefaultStatusInterval    = 30 * time.Second
	DefaultFlipProbability   = 0.05
)

// flippable excludes maintenance; the generator never enters it.
var flippable = []device.Status{device.StatusOnline, device.StatusOffline, device.StatusError}

// Generator drives simulated telemetry. It is either stopped or running.
type Generator struct {
	log  *zap.Logger
	dir  *device.Directory
	out  Broadcaster
	opts Options

	randMu sync.Mutex
	rnd    *rand.Rand

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// New creates a stopped generator.
func New(dir *device.Directory, out Broadcaster, log *zap.Logger, opts Options) *Generator {
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = DefaultTelemetryInterval
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.FlipProbability < 0 {
		opts.FlipProbability = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{
		log:  log.With(zap.String("module", "telemetry")),
		dir:  dir,
		out:  out,
		opts: opts,
		rnd:  rnd,
	}
}

// Start begins both periodic loops. Calling it while running does nothing.
func (g *Generator) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	g.running.Store(true)

	go g.run(ctx, g.done)
	g.log.Info("simulation started",
		zap.Duration("telemetry_interval", g.opts.TelemetryInterval),
		zap.Duration("status_interval", g.opts.StatusInterval))
}

// Stop cancels both loops and waits for an in-flight tick to finish, so no
// tick fires after it returns. Calling it while stopped does nothing.
func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running.Load() {
		return
	}
	g.cancel()
	<-g.done
	g.cancel, g.done = nil, nil
	g.running.Store(false)
	g.log.Info("simulation stopped")
}

// StartAfter starts the generator once delay has elapsed, unless ctx ends first.
// It returns immediately.
func (g *Generator) StartAfter(ctx context.Context, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			g.Start()
		}
	}()
}

// Running reports whether the loops are active.
func (g *Generator) Running() bool {
	return g.running.Load()
}

func (g *Generator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	telemetry := time.NewTicker(g.opts.TelemetryInterval)
	defer telemetry.Stop()
	status := time.NewTicker(g.opts.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-telemetry.C:
			if ctx.Err() != nil {
				return
			}
			g.TickTelemetry(g.opts.Now())
		case <-status.C:
			if ctx.Err() != nil {
				return
			}
			g.TickStatus(g.opts.Now())
		}
	}
}

func (g *Generator) leading() bool {
	return g.opts.LeaderGate == nil || g.opts.LeaderGate()
}

// TickTelemetry emits one reading per online device to its channel and the
// dashboard. A device that fails to generate is logged and skipped. Nothing is
// emitted while LeaderGate reports false.
func (g *Generator) TickTelemetry(now time.Time) int {
	if !g.leading() {
		return 0
	}
	metrics.TelemetryTicks.WithLabelValues("telemetry").Inc()

	emitted := 0
	for _, dev := range g.dir.List() {
		if dev.Status != device.StatusOnline {
			continue
		}
		reading, err := g.generate(dev, now)
		if err != nil {
			metrics.GenerationErrors.Inc()
			g.log.Warn("skipping device", zap.String("device_id", dev.ID), zap.Error(err))
			continue
		}
		g.publish(reading)
		emitted++
	}
	return emitted
}

func (g *Generator) generate(dev device.Device, now time.Time) (reading event.Reading, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation panic: %v", r)
		}
	}()

	g.randMu.Lock()
	defer g.randMu.Unlock()
	return NewReading(dev, now, g.rnd)
}

func (g *Generator) publish(reading event.Reading) {
	env := event.NewAt(event.SensorData{Reading: reading}, reading.Timestamp)
	g.out.Broadcast(channel.ForDevice(reading.DeviceID), env)
	g.out.Broadcast(channel.Dashboard, env)
}

// TickStatus gives every device a FlipProbability chance of moving to a random
// status among online, offline and error. Actual changes are announced on the
// dashboard. Like TickTelemetry it is a no-op on a follower.
func (g *Generator) TickStatus(now time.Time) int {
	if !g.leading() {
		return 0
	}
	metrics.TelemetryTicks.WithLabelValues("status").Inc()

	changed := 0
	for _, dev := range g.dir.List() {
		next, flip := g.drawStatus()
		if !flip {
			continue
		}
		ok, err := g.dir.SetStatus(dev.ID, next, now)
		if err != nil {
			g.log.Warn("status flip failed", zap.String("device_id", dev.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		changed++
		g.log.Debug("device status changed",
			zap.String("device_id", dev.ID),
			zap.String("from", string(dev.Status)),
			zap.String("to", string(next)))
		g.out.Broadcast(channel.Dashboard, event.NewAt(event.StatusChange{
			DeviceID: dev.ID,
			Status:   next,
			LastSeen: now.UTC(),
		}, now))
	}
	return changed
}

func (g *Generator) drawStatus() (device.Status, bool) {
	g.randMu.Lock()
	defer g.randMu.Unlock()

	if g.rnd.Float64() >= g.opts.FlipProbability {
		return "", false
	}
	return flippable[g.rnd.Intn(len(flippable))], true
}

// SensorReading generates a one-off reading for deviceID.
func (g *Generator) SensorReading(deviceID string, now time.Time) (event.Reading, error) {
	dev, err := g.dir.Get(deviceID)
	if err != nil {
		return event.Reading{}, err
	}
	return g.generate(dev, now)
}

// EmitTestData broadcasts a test-sensor-data envelope for deviceID to every connection.
func (g *Generator) EmitTestData(deviceID string) error {
	reading, err := g.SensorReading(deviceID, g.opts.Now())
	if err != nil {
		return err
	}
	g.out.BroadcastAll(event.NewAt(event.TestSensor{Reading: reading}, reading.Timestamp))
	return nil
}

// Ingest fans out a reading produced outside the simulation, such as from MQTT
// or a device client, exactly like a generated one.
func (g *Generator) Ingest(reading event.Reading) error {
	if reading.DeviceID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "reading without deviceId")
	}
	if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
		return errors.Wrap(errors.ErrInvalidInput, "non-finite reading value")
	}
	dev, err := g.dir.Get(reading.DeviceID)
	if err != nil {
		return err
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = g.opts.Now().UTC()
	}
	if reading.ID == "" {
		reading.ID = fmt.Sprintf("%s-%d", reading.DeviceID, reading.Timestamp.UnixMilli())
	}
	if reading.Type == "" {
		reading.Type = dev.Category
	}
	if reading.Quality == "" {
		reading.Quality = "good"
	}
	reading.Value = round2(reading.Value)

	if err := g.dir.Touch(reading.DeviceID, reading.Timestamp); err != nil {
		return err
	}
	g.publish(reading)
	return nil
}
