package command

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/errors"
	"github.com/nmxmxh/iot-realtime/pkg/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	ch  channel.Name
	env event.Envelope
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Broadcast(ch channel.Name, env event.Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{ch, env})
	return 1
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *recorder) ofType(typ event.Type) []sent {
	var out []sent
	for _, s := range r.all() {
		if s.env.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

type sinkCall struct {
	deviceID string
	payload  []byte
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (f *fakeSink) PublishCommand(deviceID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{deviceID, payload})
	return f.err
}

var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newDispatcher(t *testing.T, opts Options) (*Dispatcher, *recorder, *device.Directory) {
	t.Helper()
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(3))
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return noon }
	}
	dir := device.NewDirectory(device.Seed(noon)...)
	rec := &recorder{}
	d := New(dir, rec, zap.NewNop(), opts)
	t.Cleanup(d.Close)
	return d, rec, dir
}

func TestExecuteSuccess(t *testing.T) {
	d, rec, _ := newDispatcher(t, Options{SuccessRate: 1, FollowUpDelay: 10 * time.Millisecond})

	res, err := d.Execute("conn-1", Request{DeviceID: "temp-001", Command: "restart"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "Command restart executed successfully", res.Response)
	assert.GreaterOrEqual(t, res.ExecutionTime, 100.0)
	assert.Less(t, res.ExecutionTime, 1100.0)
	assert.NotNil(t, res.Parameters)

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, channel.ForDevice("temp-001"), got[0].ch)
	assert.Equal(t, event.TypeDeviceCommandResponse, got[0].env.Type)
	assert.Equal(t, channel.Dashboard, got[1].ch)
	executed := got[1].env.Data.(event.CommandExecuted)
	assert.Equal(t, "conn-1", executed.ExecutedBy)
	assert.Equal(t, "temp-001", executed.DeviceID)

	require.Eventually(t, func() bool {
		return len(rec.ofType(event.TypeDeviceStatusUpdate)) == 1
	}, time.Second, 5*time.Millisecond)
	follow := rec.ofType(event.TypeDeviceStatusUpdate)[0]
	assert.Equal(t, channel.ForDevice("temp-001"), follow.ch)
	update := follow.env.Data.(event.StatusUpdate)
	assert.Equal(t, "ONLINE", update.Status)
	assert.Equal(t, "restart", update.LastCommand)
	assert.Zero(t, d.PendingFollowUps())
}

func TestExecuteFailureOutcome(t *testing.T) {
	d, rec, _ := newDispatcher(t, Options{SuccessRate: 0, FollowUpDelay: time.Hour})

	res, err := d.Execute("conn-1", Request{DeviceID: "hum-001", Command: "calibrate"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Len(t, rec.ofType(event.TypeDeviceCommandResponse), 1)
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing device", Request{Command: "restart"}, errors.ErrInvalidInput},
		{"missing command", Request{DeviceID: "temp-001"}, errors.ErrInvalidInput},
		{"unknown device", Request{DeviceID: "ghost", Command: "restart"}, errors.ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, rec, _ := newDispatcher(t, Options{})
			_, err := d.Execute("conn-1", tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Empty(t, rec.all())
			assert.Zero(t, d.PendingFollowUps())
		})
	}
}

func TestSuccessRateIsApproximate(t *testing.T) {
	d, _, _ := newDispatcher(t, Options{SuccessRate: DefaultSuccessRate, FollowUpDelay: time.Hour})
	ok := 0
	const n = 2000
	for i := 0; i < n; i++ {
		status, _, _ := d.synthesize("noop")
		if status == StatusSuccess {
			ok++
		}
	}
	assert.InDelta(t, 0.9, float64(ok)/n, 0.04)
}

func TestExecuteForwardsToSink(t *testing.T) {
	sink := &fakeSink{err: errors.New("broker down")}
	d, _, _ := newDispatcher(t, Options{SuccessRate: 1, Sink: sink, FollowUpDelay: time.Hour})

	res, err := d.Execute("conn-9", Request{DeviceID: "light-001", Command: "dim", Parameters: map[string]any{"level": 40}})
	require.NoError(t, err, "sink failures do not affect the result")
	assert.Equal(t, StatusSuccess, res.Status)

	require.Len(t, sink.calls, 1)
	assert.Equal(t, "light-001", sink.calls[0].deviceID)
	var body map[string]any
	require.NoError(t, json.Unmarshal(sink.calls[0].payload, &body))
	assert.Equal(t, "dim", body["command"])
	assert.Equal(t, "conn-9", body["requestedBy"])
}

func TestExecuteBulk(t *testing.T) {
	d, rec, _ := newDispatcher(t, Options{SuccessRate: DefaultSuccessRate})

	ids := []string{"temp-001", "hum-001", "temp-001", "ghost", "light-001", ""}
	bulk, err := d.ExecuteBulk("conn-2", BulkRequest{DeviceIDs: ids, Command: "reboot"})
	require.NoError(t, err)

	assert.NotEmpty(t, bulk.ID)
	assert.Equal(t, []string{"temp-001", "hum-001", "ghost", "light-001"}, bulk.DeviceIDs)
	require.Len(t, bulk.Results, 4)
	assert.Equal(t, 4, bulk.Successful()+bulk.Failed())

	seen := map[string]int{}
	for _, r := range bulk.Results {
		seen[r.DeviceID]++
	}
	for _, id := range bulk.DeviceIDs {
		assert.Equal(t, 1, seen[id], id)
	}
	assert.Equal(t, StatusFailed, bulk.Results[2].Status)
	assert.NotEmpty(t, bulk.Results[2].Error)

	responses := rec.ofType(event.TypeDeviceCommandResponse)
	assert.Len(t, responses, 3, "unknown devices get no device-channel envelope")
	for _, s := range responses {
		assert.Equal(t, bulk.ID, s.env.Data.(event.CommandResult).BulkID)
	}

	summaries := rec.ofType(event.TypeBulkCommandCompleted)
	require.Len(t, summaries, 1)
	assert.Equal(t, channel.Dashboard, summaries[0].ch)
	summary := summaries[0].env.Data.(event.BulkCompleted)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, summary.Total, summary.Successful+summary.Failed)
	assert.Len(t, summary.Results, 4)
	assert.Equal(t, "conn-2", summary.RequestedBy)
}

func TestExecuteBulkStatus(t *testing.T) {
	d, _, _ := newDispatcher(t, Options{SuccessRate: 0})
	bulk, err := d.ExecuteBulk("c", BulkRequest{DeviceIDs: []string{"temp-001", "hum-001"}, Command: "x"})
	require.NoError(t, err)
	assert.Equal(t, BulkFailed, bulk.Status)

	d, _, _ = newDispatcher(t, Options{SuccessRate: 1})
	bulk, err = d.ExecuteBulk("c", BulkRequest{DeviceIDs: []string{"temp-001"}, Command: "x"})
	require.NoError(t, err)
	assert.Equal(t, BulkCompleted, bulk.Status)
	assert.False(t, bulk.CompletedAt.IsZero())
}

func TestExecuteBulkValidation(t *testing.T) {
	d, rec, _ := newDispatcher(t, Options{})

	_, err := d.ExecuteBulk("c", BulkRequest{Command: "x"})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = d.ExecuteBulk("c", BulkRequest{DeviceIDs: []string{"temp-001"}})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	assert.Empty(t, rec.all())
}

func TestUpdateConfig(t *testing.T) {
	d, rec, _ := newDispatcher(t, Options{})

	require.NoError(t, d.UpdateConfig("conn-3", "temp-001", map[string]any{"interval": 10}))
	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, channel.ForDevice("temp-001"), got[0].ch)
	assert.Equal(t, event.TypeDeviceConfigUpdated, got[0].env.Type)
	assert.Equal(t, channel.Dashboard, got[1].ch)
	assert.Equal(t, "conn-3", got[1].env.Data.(event.ConfigChanged).ChangedBy)

	assert.True(t, errors.Is(d.UpdateConfig("c", "temp-001", nil), errors.ErrInvalidInput))
	assert.True(t, errors.Is(d.UpdateConfig("c", "ghost", map[string]any{"a": 1}), errors.ErrDeviceNotFound))
}

func TestDeviceStatus(t *testing.T) {
	d, _, _ := newDispatcher(t, Options{})

	snap, err := d.DeviceStatus("temp-001")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, snap.Status)
	assert.Equal(t, "v2.1.0", snap.Firmware)
	require.NotNil(t, snap.Temperature)
	assert.GreaterOrEqual(t, snap.Battery, 85.0)
	assert.GreaterOrEqual(t, snap.Signal, 90.0)

	snap, err = d.DeviceStatus("motion-001")
	require.NoError(t, err)
	assert.Zero(t, snap.Uptime)
	assert.Nil(t, snap.Temperature)

	_, err = d.DeviceStatus("ghost")
	assert.True(t, errors.Is(err, errors.ErrDeviceNotFound))

	env := StatusEnvelope(snap, noon)
	assert.Equal(t, event.TypeDeviceStatusResponse, env.Type)
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("temp-001", "restart", errors.ErrDeviceNotFound, noon)
	assert.Equal(t, event.TypeDeviceCommandError, env.Type)
	assert.Equal(t, "device not found", env.Data.(event.CommandError).Error)
}

func TestCloseCancelsFollowUps(t *testing.T) {
	d, rec, _ := newDispatcher(t, Options{SuccessRate: 1, FollowUpDelay: 20 * time.Millisecond})

	_, err := d.Execute("c", Request{DeviceID: "temp-001", Command: "restart"})
	require.NoError(t, err)
	assert.Equal(t, 1, d.PendingFollowUps())

	d.Close()
	d.Close()
	assert.Zero(t, d.PendingFollowUps())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.ofType(event.TypeDeviceStatusUpdate))

	_, err = d.Execute("c", Request{DeviceID: "temp-001", Command: "restart"})
	assert.True(t, errors.Is(err, errors.ErrHubClosed))
}
