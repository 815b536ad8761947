package hub

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/command"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	id        string
	principal string

	mu  sync.Mutex
	got []event.Envelope
}

func (f *fakeSession) ID() string        { return f.id }
func (f *fakeSession) Principal() string { return f.principal }

func (f *fakeSession) Deliver(env event.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, env)
	return true
}

func (f *fakeSession) received() []event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Envelope(nil), f.got...)
}

func (f *fakeSession) types() []event.Type {
	var out []event.Type
	for _, env := range f.received() {
		out = append(out, env.Type)
	}
	return out
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	hub  *Hub
	reg  *channel.Registry
	gen  *telemetry.Generator
	disp *command.Dispatcher
	dir  *device.Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	clock := func() time.Time { return now }

	dir := device.NewDirectory(device.Seed(now)...)
	reg := channel.New(log)
	gen := telemetry.New(dir, reg, log, telemetry.Options{
		TelemetryInterval: time.Hour,
		StatusInterval:    time.Hour,
		Rand:              rand.New(rand.NewSource(1)),
		Now:               clock,
	})
	disp := command.New(dir, reg, log, command.Options{
		SuccessRate:   1,
		FollowUpDelay: time.Hour,
		FirmwareTick:  time.Hour,
		Rand:          rand.New(rand.NewSource(2)),
		Now:           clock,
	})
	h := New(reg, gen, disp, dir, log, Options{CancelFirmwareOnLeave: true, Now: clock})
	t.Cleanup(func() {
		gen.Stop()
		disp.Close()
	})
	return &fixture{hub: h, reg: reg, gen: gen, disp: disp, dir: dir}
}

func (f *fixture) connect(id string) *fakeSession {
	s := &fakeSession{id: id, principal: "user-" + id}
	f.reg.Register(s)
	return s
}

func (f *fixture) send(s *fakeSession, frame string) {
	f.hub.Handle(context.Background(), s, []byte(frame))
}

func TestJoinDashboardSendsInitFirst(t *testing.T) {
	f := newFixture(t)
	s := f.connect("a")

	f.send(s, `{"type":"join-dashboard"}`)
	f.hub.ReportSystemStatus()

	got := s.received()
	require.Len(t, got, 2)
	assert.Equal(t, event.TypeDashboardInit, got[0].Type)
	assert.Equal(t, event.TypeSystemStatus, got[1].Type)

	greeting := got[0].Data.(event.DashboardInit)
	assert.Equal(t, "a", greeting.ConnectionID)
	assert.Len(t, greeting.Devices, 4)
	assert.False(t, greeting.SimulationRunning)
	assert.Equal(t, []string{"a"}, f.reg.Members(channel.Dashboard))
}

func TestGetDeviceStatusRepliesToRequesterOnly(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect("a")
	asker := f.connect("b")
	f.send(watcher, `{"type":"join-dashboard"}`)
	f.send(watcher, `{"type":"join-device","payload":"temp-001"}`)

	f.send(asker, `{"type":"get-device-status","payload":{"deviceId":"temp-001"}}`)

	got := asker.received()
	require.Len(t, got, 1)
	assert.Equal(t, event.TypeDeviceStatusResponse, got[0].Type)
	status := got[0].Data.(event.StatusResponse)
	assert.Equal(t, "temp-001", status.DeviceID)
	assert.Equal(t, device.StatusOnline, status.Status)
	require.NotNil(t, status.Temperature)

	assert.Equal(t, []event.Type{event.TypeDashboardInit}, watcher.types())
}

func TestReadingReachesDeviceMembersAndDashboard(t *testing.T) {
	f := newFixture(t)
	s1, s2, dash := f.connect("s1"), f.connect("s2"), f.connect("dash")
	f.send(s1, `{"type":"join-device","payload":"temp-001"}`)
	f.send(s2, `{"type":"join-device","payload":{"deviceId":"temp-001"}}`)
	f.send(dash, `{"type":"join-dashboard"}`)

	f.send(s1, `{"type":"sensor-data","payload":{"deviceId":"temp-001","value":21.5,"unit":"°C"}}`)

	for _, s := range []*fakeSession{s1, s2, dash} {
		var readings int
		for _, env := range s.received() {
			if env.Type == event.TypeSensorDataUpdate {
				readings++
				assert.Equal(t, 21.5, env.Data.(event.SensorData).Value)
			}
		}
		assert.Equal(t, 1, readings, s.id)
	}
}

func TestSendDeviceCommand(t *testing.T) {
	f := newFixture(t)
	member, dash := f.connect("m"), f.connect("d")
	f.send(member, `{"type":"join-device","payload":"hum-001"}`)
	f.send(dash, `{"type":"join-dashboard"}`)

	f.send(member, `{"type":"send-device-command","payload":{"deviceId":"hum-001","command":"restart","parameters":{"delay":5}}}`)

	got := member.received()
	require.Len(t, got, 1)
	res := got[0].Data.(event.CommandResult)
	assert.Equal(t, command.StatusSuccess, res.Status)
	assert.Equal(t, "restart", res.Command)
	assert.EqualValues(t, 5, res.Parameters["delay"])

	assert.Equal(t, []event.Type{event.TypeDashboardInit, event.TypeDeviceCommandExecuted}, dash.types())
	executed := dash.received()[1].Data.(event.CommandExecuted)
	assert.Equal(t, "user-m", executed.ExecutedBy)
}

func TestFailedIntentsReportToSenderOnly(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"unknown device", `{"type":"send-device-command","payload":{"deviceId":"ghost","command":"restart"}}`},
		{"missing command", `{"type":"send-device-command","payload":{"deviceId":"temp-001"}}`},
		{"payload not an object", `{"type":"update-device-config","payload":[1,2]}`},
		{"empty config", `{"type":"update-device-config","payload":{"deviceId":"temp-001"}}`},
		{"firmware without version", `{"type":"start-firmware-update","payload":{"deviceId":"temp-001"}}`},
		{"cancel without update", `{"type":"cancel-firmware-update","payload":"temp-001"}`},
		{"status of unknown device", `{"type":"get-device-status","payload":"ghost"}`},
		{"join without device", `{"type":"join-device","payload":{}}`},
		{"invalid reported status", `{"type":"device-status","payload":{"deviceId":"temp-001","status":"sleeping"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sender, dash := f.connect("s"), f.connect("d")
			f.send(dash, `{"type":"join-dashboard"}`)

			f.send(sender, tt.frame)

			got := sender.received()
			require.Len(t, got, 1)
			assert.Equal(t, event.TypeDeviceCommandError, got[0].Type)
			assert.NotEmpty(t, got[0].Data.(event.CommandError).Error)
			assert.Equal(t, []event.Type{event.TypeDashboardInit}, dash.types())
		})
	}
}

func TestMalformedAndUnknownFramesAreIgnored(t *testing.T) {
	f := newFixture(t)
	s := f.connect("s")

	f.send(s, `not json`)
	f.send(s, `{"payload":{}}`)
	f.send(s, `{"type":"teleport","payload":{}}`)

	assert.Empty(t, s.received())
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	s := f.connect("s")

	f.send(s, `{"type":"ping"}`)

	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, event.TypePong, got[0].Type)
	assert.Equal(t, now, got[0].Data.(event.PongPayload).Timestamp)
}

func TestSimulationIntents(t *testing.T) {
	f := newFixture(t)
	s := f.connect("s")

	f.send(s, `{"type":"start-simulation"}`)
	f.send(s, `{"type":"start-simulation"}`)
	assert.True(t, f.gen.Running())
	f.send(s, `{"type":"stop-simulation"}`)
	assert.False(t, f.gen.Running())

	var states []bool
	for _, env := range s.received() {
		states = append(states, env.Data.(event.Simulation).Running)
	}
	assert.Equal(t, []bool{true, true, false}, states)
}

func TestRequestTestDataReachesEveryConnection(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")

	f.send(a, `{"type":"request-test-data"}`)

	for _, s := range []*fakeSession{a, b} {
		require.Len(t, s.received(), 1)
		env := s.received()[0]
		assert.Equal(t, event.TypeTestSensorData, env.Type)
		assert.Equal(t, "temp-001", env.Data.(event.TestSensor).DeviceID)
	}
}

func TestStatusAndAlertRelayExcludeSender(t *testing.T) {
	f := newFixture(t)
	reporter, other := f.connect("r"), f.connect("o")
	f.send(reporter, `{"type":"join-dashboard"}`)
	f.send(other, `{"type":"join-dashboard"}`)

	f.send(reporter, `{"type":"device-status","payload":{"deviceId":"motion-001","status":"online"}}`)
	f.send(reporter, `{"type":"alert","payload":{"deviceId":"temp-001","message":"too hot","severity":"high"}}`)

	assert.Equal(t, []event.Type{event.TypeDashboardInit}, reporter.types())
	assert.Equal(t, []event.Type{event.TypeDashboardInit, event.TypeDeviceStatusChange, event.TypeAlertUpdate}, other.types())

	alert := other.received()[2].Data.(event.Alert)
	assert.Equal(t, "too hot", alert.Message)
	assert.Equal(t, "user-r", alert.RaisedBy)

	dev, err := f.dir.Get("motion-001")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOffline, dev.Status, "relayed status does not touch the directory")
}

func TestFirmwareIntents(t *testing.T) {
	f := newFixture(t)
	s := f.connect("s")
	f.send(s, `{"type":"join-device","payload":"temp-001"}`)

	f.send(s, `{"type":"start-firmware-update","payload":{"deviceId":"temp-001","version":"v3.0.0"}}`)
	assert.Equal(t, []string{"temp-001"}, f.disp.ActiveFirmwareUpdates())

	f.send(s, `{"type":"cancel-firmware-update","payload":{"deviceId":"temp-001"}}`)
	assert.Empty(t, f.disp.ActiveFirmwareUpdates())
	assert.Equal(t, []event.Type{event.TypeFirmwareUpdateStarted, event.TypeFirmwareUpdateCancelled}, s.types())
}

func TestLastLeaveCancelsFirmware(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.send(a, `{"type":"join-device","payload":"temp-001"}`)
	f.send(b, `{"type":"join-device","payload":"temp-001"}`)
	_, err := f.disp.StartFirmwareUpdate("ops", "temp-001", "v3.0.0")
	require.NoError(t, err)

	f.send(a, `{"type":"leave-device","payload":"temp-001"}`)
	assert.Equal(t, []string{"temp-001"}, f.disp.ActiveFirmwareUpdates(), "b is still watching")

	f.hub.Disconnect("b")
	assert.Empty(t, f.disp.ActiveFirmwareUpdates())

	rec, ok := f.disp.FirmwareUpdate("temp-001")
	require.True(t, ok)
	assert.Equal(t, command.FirmwareCancelled, rec.Status)
	assert.Empty(t, f.reg.Channels("b"))
}

func TestBulkCommandIntent(t *testing.T) {
	f := newFixture(t)
	dash := f.connect("d")
	f.send(dash, `{"type":"join-dashboard"}`)

	f.send(dash, `{"type":"bulk-device-command","payload":{"deviceIds":["temp-001","hum-001","ghost"],"command":"calibrate"}}`)

	got := dash.received()
	require.Len(t, got, 2)
	bulk := got[1].Data.(event.BulkCompleted)
	assert.Equal(t, 3, bulk.Total)
	assert.Equal(t, 2, bulk.Successful)
	assert.Equal(t, 1, bulk.Failed)
	assert.Equal(t, "user-d", bulk.RequestedBy)
}
