package bridge

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type dashboardClient struct {
	id string

	mu  sync.Mutex
	got []event.Envelope
}

func (c *dashboardClient) ID() string { return c.id }

func (c *dashboardClient) Deliver(env event.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	return true
}

func (c *dashboardClient) count(typ event.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.got {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func (c *dashboardClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = nil
}

// node is one hub process: its own directory, registry, generator and bridge.
type node struct {
	dir    *device.Directory
	reg    *channel.Registry
	gen    *telemetry.Generator
	bridge *Bridge
	conn   *fakeConn
	client *dashboardClient
}

func newNode(t *testing.T, origin string, leader bool, seed int64) *node {
	t.Helper()
	n := &node{
		dir:    device.NewDirectory(device.Seed(noon)...),
		reg:    channel.New(zap.NewNop()),
		conn:   &fakeConn{leaseHeld: leader},
		client: &dashboardClient{id: origin + "-dashboard"},
	}
	n.bridge = New(n.conn, n.reg, zap.NewNop(), Options{Origin: origin, QueueSize: 256, State: n.dir})
	n.bridge.renewLease(context.Background())
	n.reg.SetRelay(n.bridge.Relay)
	n.gen = telemetry.New(n.dir, n.reg, zap.NewNop(), telemetry.Options{
		FlipProbability: 1,
		Rand:            rand.New(rand.NewSource(seed)),
		Now:             func() time.Time { return noon },
		LeaderGate:      n.bridge.IsLeader,
	})
	n.reg.Join(n.client, channel.Dashboard)
	return n
}

// ferry publishes everything queued on from and hands it to to, as Redis would.
func ferry(t *testing.T, from, to *node) {
	t.Helper()
	drain(t, from.bridge)
	from.conn.mu.Lock()
	msgs := from.conn.published
	from.conn.published = nil
	from.conn.mu.Unlock()
	for _, m := range msgs {
		require.NoError(t, to.bridge.Handle(m.key, m.payload))
	}
}

func exchange(t *testing.T, a, b *node) {
	t.Helper()
	ferry(t, a, b)
	ferry(t, b, a)
}

func online(dir *device.Directory) int {
	n := 0
	for _, d := range dir.List() {
		if d.Status == device.StatusOnline {
			n++
		}
	}
	return n
}

func TestTwoProcessesEmitOneReadingPerDevicePerTick(t *testing.T) {
	a := newNode(t, "node-a", true, 1)
	b := newNode(t, "node-b", false, 2)
	require.True(t, a.bridge.IsLeader())
	require.False(t, b.bridge.IsLeader())

	assert.Equal(t, 2, a.gen.TickTelemetry(noon))
	assert.Zero(t, b.gen.TickTelemetry(noon), "followers do not simulate")
	exchange(t, a, b)

	want := online(a.dir)
	assert.Equal(t, want, a.client.count(event.TypeSensorDataUpdate))
	assert.Equal(t, want, b.client.count(event.TypeSensorDataUpdate))
}

func TestFollowerMirrorsLeaderStatus(t *testing.T) {
	a := newNode(t, "node-a", true, 3)
	b := newNode(t, "node-b", false, 4)

	for i := 0; i < 5; i++ {
		at := noon.Add(time.Duration(i) * time.Minute)
		a.gen.TickStatus(at)
		assert.Zero(t, b.gen.TickStatus(at))
		exchange(t, a, b)

		for _, want := range a.dir.List() {
			got, err := b.dir.Get(want.ID)
			require.NoError(t, err)
			assert.Equal(t, want.Status, got.Status, want.ID)
		}
	}
	assert.Equal(t, a.client.count(event.TypeDeviceStatusChange), b.client.count(event.TypeDeviceStatusChange))

	a.client.reset()
	b.client.reset()
	a.gen.TickTelemetry(noon.Add(time.Hour))
	exchange(t, a, b)
	assert.Equal(t, online(a.dir), b.client.count(event.TypeSensorDataUpdate),
		"the follower only sees readings for devices the leader has online")
}

func TestRelayedReadingRefreshesLastSeen(t *testing.T) {
	a := newNode(t, "node-a", true, 5)
	b := newNode(t, "node-b", false, 6)

	later := noon.Add(10 * time.Minute)
	a.gen.TickTelemetry(later)
	exchange(t, a, b)

	got, err := b.dir.Get("temp-001")
	require.NoError(t, err)
	assert.Equal(t, later, got.LastSeen.UTC())
}
