// Package command synthesizes device command outcomes and runs simulated
// long-running operations such as firmware updates.
package command

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/internal/telemetry"
	"github.com/nmxmxh/iot-realtime/pkg/errors"
	"github.com/nmxmxh/iot-realtime/pkg/json"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	"go.uber.org/zap"
)

// Broadcaster is the part of the channel registry the dispatcher writes to.
type Broadcaster interface {
	Broadcast(ch channel.Name, env event.Envelope) int
}

// Sink forwards commands to real devices. Failures never change the
// synthesized result.
type Sink interface {
	PublishCommand(deviceID string, payload []byte) error
}

// Options tunes the dispatcher. Zero durations take the defaults; SuccessRate
// is used as given.
type Options struct {
	SuccessRate   float64
	FollowUpDelay time.Duration
	FirmwareTick  time.Duration
	Rand          *rand.Rand
	Now           func() time.Time
	Sink          Sink
}

const (
	DefaultSuccessRate   = 0.9
	DefaultFollowUpDelay = time.Second
	DefaultFirmwareTick  = 2 * time.Second
)

// Dispatcher executes commands against the device directory.
type Dispatcher struct {
	log  *zap.Logger
	dir  *device.Directory
	out  Broadcaster
	opts Options

	randMu sync.Mutex
	rnd    *rand.Rand

	startedAt time.Time

	mu        sync.Mutex
	closed    bool
	followUps map[uint64]*time.Timer
	nextTimer uint64
	active    map[string]*firmwareTask
	history   map[string]FirmwareUpdate
}

// New creates a dispatcher.
func New(dir *device.Directory, out Broadcaster, log *zap.Logger, opts Options) *Dispatcher {
	if opts.SuccessRate < 0 {
		opts.SuccessRate = 0
	}
	if opts.SuccessRate > 1 {
		opts.SuccessRate = 1
	}
	if opts.FollowUpDelay <= 0 {
		opts.FollowUpDelay = DefaultFollowUpDelay
	}
	if opts.FirmwareTick <= 0 {
		opts.FirmwareTick = DefaultFirmwareTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Dispatcher{
		log:       log.With(zap.String("module", "command")),
		dir:       dir,
		out:       out,
		opts:      opts,
		rnd:       rnd,
		startedAt: opts.Now(),
		followUps: make(map[uint64]*time.Timer),
		active:    make(map[string]*firmwareTask),
		history:   make(map[string]FirmwareUpdate),
	}
}

func (d *Dispatcher) float() float64 {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.rnd.Float64()
}

func (d *Dispatcher) intn(n int) int {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.rnd.Intn(n)
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// synthesize draws an outcome and a reporting latency in [100, 1100) ms.
func (d *Dispatcher) synthesize(command string) (status, response string, execMs float64) {
	execMs = float64(int((d.float()*1000+100)*100)) / 100
	if d.float() < d.opts.SuccessRate {
		return StatusSuccess, fmt.Sprintf("Command %s executed successfully", command), execMs
	}
	return StatusFailed, fmt.Sprintf("Command %s failed: device did not acknowledge", command), execMs
}

func validate(deviceID, command string) error {
	if strings.TrimSpace(deviceID) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "deviceId is required")
	}
	if strings.TrimSpace(command) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "command is required")
	}
	return nil
}

// Execute runs a single command. The result goes to the device channel and,
// annotated with the requester, to the dashboard. A follow-up online status is
// sent to the device channel after FollowUpDelay.
func (d *Dispatcher) Execute(requester string, req Request) (Result, error) {
	if d.isClosed() {
		return Result{}, errors.ErrHubClosed
	}
	if err := validate(req.DeviceID, req.Command); err != nil {
		return Result{}, err
	}
	if _, err := d.dir.Get(req.DeviceID); err != nil {
		return Result{}, err
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	now := d.opts.Now()
	status, response, execMs := d.synthesize(req.Command)
	res := Result{
		DeviceID:      req.DeviceID,
		Command:       req.Command,
		Parameters:    req.Parameters,
		Status:        status,
		Response:      response,
		ExecutionTime: execMs,
		Timestamp:     now.UTC(),
	}
	d.record(res.Status, res.ExecutionTime)
	d.forward(requester, req.DeviceID, req.Command, req.Parameters)

	payload := toPayload(res, "")
	d.out.Broadcast(channel.ForDevice(req.DeviceID), event.NewAt(payload, now))
	d.out.Broadcast(channel.Dashboard, event.NewAt(event.CommandExecuted{CommandResult: payload, ExecutedBy: requester}, now))

	d.scheduleFollowUp(req.DeviceID, req.Command)
	d.log.Info("command executed",
		zap.String("device_id", req.DeviceID),
		zap.String("command", req.Command),
		zap.String("status", res.Status),
		zap.String("requested_by", requester))
	return res, nil
}

func toPayload(res Result, bulkID string) event.CommandResult {
	return event.CommandResult{
		DeviceID:      res.DeviceID,
		Command:       res.Command,
		Parameters:    res.Parameters,
		Status:        res.Status,
		Response:      res.Response,
		ExecutionTime: res.ExecutionTime,
		Timestamp:     res.Timestamp,
		BulkID:        bulkID,
	}
}

func (d *Dispatcher) record(status string, execMs float64) {
	metrics.Commands.WithLabelValues(status).Inc()
	metrics.CommandDuration.Observe(execMs / 1000)
}

func (d *Dispatcher) scheduleFollowUp(deviceID, command string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.nextTimer++
	id := d.nextTimer
	d.followUps[id] = time.AfterFunc(d.opts.FollowUpDelay, func() {
		d.mu.Lock()
		_, pending := d.followUps[id]
		delete(d.followUps, id)
		d.mu.Unlock()
		if !pending {
			return
		}

		now := d.opts.Now()
		d.out.Broadcast(channel.ForDevice(deviceID), event.NewAt(event.StatusUpdate{
			DeviceID:    deviceID,
			Status:      "ONLINE",
			LastCommand: command,
			Timestamp:   now.UTC(),
		}, now))
	})
}

// PendingFollowUps returns the number of scheduled follow-up envelopes.
func (d *Dispatcher) PendingFollowUps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.followUps)
}

// forward hands the command to the sink, if any.
func (d *Dispatcher) forward(requester, deviceID, command string, params map[string]any) {
	if d.opts.Sink == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"command":     command,
		"parameters":  params,
		"requestedBy": requester,
		"timestamp":   d.opts.Now().UTC(),
	})
	if err != nil {
		d.log.Warn("encode command for sink", zap.Error(err))
		return
	}
	if err := d.opts.Sink.PublishCommand(deviceID, payload); err != nil {
		d.log.Warn("command sink publish failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// ExecuteBulk runs one command across many devices. Duplicate ids are
// collapsed; an unknown device yields a FAILED entry rather than an error, so
// every requested id has exactly one result.
func (d *Dispatcher) ExecuteBulk(requester string, req BulkRequest) (BulkRecord, error) {
	if d.isClosed() {
		return BulkRecord{}, errors.ErrHubClosed
	}
	if strings.TrimSpace(req.Command) == "" {
		return BulkRecord{}, errors.Wrap(errors.ErrInvalidInput, "command is required")
	}
	ids := unique(req.DeviceIDs)
	if len(ids) == 0 {
		return BulkRecord{}, errors.Wrap(errors.ErrInvalidInput, "deviceIds is required")
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	now := d.opts.Now()
	rec := BulkRecord{
		ID:          uuid.NewString(),
		Command:     req.Command,
		Parameters:  req.Parameters,
		DeviceIDs:   ids,
		Status:      BulkPending,
		Results:     make([]BulkResult, 0, len(ids)),
		RequestedBy: requester,
		CreatedAt:   now.UTC(),
	}

	rec.Status = BulkInProgress
	for _, id := range ids {
		if _, err := d.dir.Get(id); err != nil {
			rec.Results = append(rec.Results, BulkResult{DeviceID: id, Status: StatusFailed, Error: err.Error()})
			metrics.Commands.WithLabelValues(StatusFailed).Inc()
			continue
		}

		status, response, execMs := d.synthesize(req.Command)
		d.record(status, execMs)
		d.forward(requester, id, req.Command, req.Parameters)
		rec.Results = append(rec.Results, BulkResult{DeviceID: id, Status: status, Response: response, ExecutionTime: execMs})

		d.out.Broadcast(channel.ForDevice(id), event.NewAt(toPayload(Result{
			DeviceID:      id,
			Command:       req.Command,
			Parameters:    req.Parameters,
			Status:        status,
			Response:      response,
			ExecutionTime: execMs,
			Timestamp:     now.UTC(),
		}, rec.ID), now))
	}

	rec.Status = BulkCompleted
	if rec.Successful() == 0 {
		rec.Status = BulkFailed
	}
	rec.CompletedAt = d.opts.Now().UTC()

	results := make([]event.BulkResult, 0, len(rec.Results))
	for _, r := range rec.Results {
		results = append(results, event.BulkResult{
			DeviceID:      r.DeviceID,
			Status:        r.Status,
			Response:      r.Response,
			Error:         r.Error,
			ExecutionTime: r.ExecutionTime,
		})
	}
	d.out.Broadcast(channel.Dashboard, event.NewAt(event.BulkCompleted{
		BulkID:      rec.ID,
		Command:     rec.Command,
		Status:      string(rec.Status),
		Total:       len(rec.Results),
		Successful:  rec.Successful(),
		Failed:      rec.Failed(),
		Results:     results,
		RequestedBy: requester,
		CompletedAt: rec.CompletedAt,
	}, rec.CompletedAt))

	d.log.Info("bulk command completed",
		zap.String("bulk_id", rec.ID),
		zap.String("command", rec.Command),
		zap.Int("total", len(rec.Results)),
		zap.Int("successful", rec.Successful()))
	return rec, nil
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// UpdateConfig announces a configuration change on the device channel and the dashboard.
func (d *Dispatcher) UpdateConfig(requester, deviceID string, config map[string]any) error {
	if d.isClosed() {
		return errors.ErrHubClosed
	}
	if strings.TrimSpace(deviceID) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "deviceId is required")
	}
	if len(config) == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "config is required")
	}
	if _, err := d.dir.Get(deviceID); err != nil {
		return err
	}

	now := d.opts.Now()
	updated := event.ConfigUpdated{DeviceID: deviceID, Config: config, Timestamp: now.UTC()}
	d.out.Broadcast(channel.ForDevice(deviceID), event.NewAt(updated, now))
	d.out.Broadcast(channel.Dashboard, event.NewAt(event.ConfigChanged{ConfigUpdated: updated, ChangedBy: requester}, now))
	return nil
}

// DeviceStatus synthesizes a status snapshot for deviceID.
func (d *Dispatcher) DeviceStatus(deviceID string) (StatusSnapshot, error) {
	dev, err := d.dir.Get(deviceID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	now := d.opts.Now()

	snap := StatusSnapshot{
		DeviceID: dev.ID,
		Status:   dev.Status,
		LastSeen: dev.LastSeen,
		Battery:  float64(int((85+d.float()*15)*100)) / 100,
		Signal:   float64(int((90+d.float()*10)*100)) / 100,
		Firmware: dev.Firmware,
	}
	if dev.Status == device.StatusOnline {
		snap.Uptime = int64(now.Sub(d.startedAt).Seconds())
	}
	if dev.Category == device.CategoryTemperature {
		d.randMu.Lock()
		r, err := telemetry.NewReading(dev, now, d.rnd)
		d.randMu.Unlock()
		if err == nil {
			t := r.Value
			snap.Temperature = &t
		}
	}
	return snap, nil
}

// StatusEnvelope wraps a snapshot for point-to-point delivery.
func StatusEnvelope(s StatusSnapshot, at time.Time) event.Envelope {
	return event.NewAt(event.StatusResponse{
		DeviceID:    s.DeviceID,
		Status:      s.Status,
		LastSeen:    s.LastSeen,
		Battery:     s.Battery,
		Signal:      s.Signal,
		Uptime:      s.Uptime,
		Firmware:    s.Firmware,
		Temperature: s.Temperature,
		Timestamp:   at.UTC(),
	}, at)
}

// ErrorEnvelope describes a failed request for the requesting connection only.
func ErrorEnvelope(deviceID, command string, err error, at time.Time) event.Envelope {
	return event.NewAt(event.CommandError{
		DeviceID:  deviceID,
		Command:   command,
		Error:     err.Error(),
		Timestamp: at.UTC(),
	}, at)
}

// Close cancels pending follow-ups and running firmware updates. Further
// commands fail with ErrHubClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, t := range d.followUps {
		t.Stop()
		delete(d.followUps, id)
	}
	tasks := make([]*firmwareTask, 0, len(d.active))
	for id, t := range d.active {
		tasks = append(tasks, t)
		delete(d.active, id)
	}
	d.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
		metrics.FirmwareUpdates.Dec()
	}
	d.log.Info("dispatcher closed", zap.Int("cancelled_updates", len(tasks)))
}
