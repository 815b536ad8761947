package command

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/errors"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	"go.uber.org/zap"
)

// firmwareTask owns one device's update loop. rec is written only by the loop
// until the task leaves the active map.
type firmwareTask struct {
	mu     sync.Mutex
	rec    FirmwareUpdate
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *firmwareTask) snapshot() FirmwareUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

func (d *Dispatcher) estimate(progress int) int {
	// average increment is 10 points per tick
	ticks := (100 - progress + 9) / 10
	return int(math.Ceil((time.Duration(ticks) * d.opts.FirmwareTick).Seconds()))
}

func firmwarePayload(u FirmwareUpdate) event.Firmware {
	return event.Firmware{
		DeviceID:      u.DeviceID,
		Version:       u.TargetVersion,
		Status:        string(u.Status),
		Progress:      u.Progress,
		EstimatedTime: u.EstimatedTime,
		StartedAt:     u.StartedAt,
	}
}

// StartFirmwareUpdate begins a simulated update. A device can have only one
// update in progress; a second request fails with ErrUpdateInProgress.
func (d *Dispatcher) StartFirmwareUpdate(requester, deviceID, version string) (FirmwareUpdate, error) {
	if strings.TrimSpace(deviceID) == "" {
		return FirmwareUpdate{}, errors.Wrap(errors.ErrInvalidInput, "deviceId is required")
	}
	if strings.TrimSpace(version) == "" {
		return FirmwareUpdate{}, errors.Wrap(errors.ErrInvalidInput, "version is required")
	}
	if _, err := d.dir.Get(deviceID); err != nil {
		return FirmwareUpdate{}, err
	}

	now := d.opts.Now()
	ctx, cancel := context.WithCancel(context.Background())
	task := &firmwareTask{
		rec: FirmwareUpdate{
			DeviceID:      deviceID,
			TargetVersion: version,
			Status:        FirmwareInProgress,
			Progress:      0,
			EstimatedTime: d.estimate(0),
			StartedAt:     now.UTC(),
			RequestedBy:   requester,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return FirmwareUpdate{}, errors.ErrHubClosed
	}
	if _, busy := d.active[deviceID]; busy {
		d.mu.Unlock()
		cancel()
		return FirmwareUpdate{}, errors.Wrap(errors.ErrUpdateInProgress, deviceID)
	}
	d.active[deviceID] = task
	d.mu.Unlock()
	metrics.FirmwareUpdates.Inc()

	start := task.rec
	payload := firmwarePayload(start)
	d.out.Broadcast(channel.ForDevice(deviceID), event.NewAt(event.FirmwareStarted{Firmware: payload}, now))
	d.out.Broadcast(channel.Dashboard, event.NewAt(event.FirmwareInitiated{Firmware: payload, InitiatedBy: requester}, now))

	go d.runFirmware(ctx, task)
	d.log.Info("firmware update started",
		zap.String("device_id", deviceID),
		zap.String("version", version),
		zap.String("requested_by", requester))
	return start, nil
}

func (d *Dispatcher) runFirmware(ctx context.Context, t *firmwareTask) {
	defer close(t.done)

	ticker := time.NewTicker(d.opts.FirmwareTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		t.rec.Progress += 5 + d.intn(11)
		if t.rec.Progress >= 100 {
			t.rec.Progress = 100
			t.rec.Status = FirmwareCompleted
		}
		t.rec.EstimatedTime = d.estimate(t.rec.Progress)
		rec := t.rec
		t.mu.Unlock()

		now := d.opts.Now()
		if rec.Status != FirmwareCompleted {
			d.out.Broadcast(channel.ForDevice(rec.DeviceID), event.NewAt(event.FirmwareProgress{Firmware: firmwarePayload(rec)}, now))
			continue
		}

		d.finishFirmware(t, rec, now)
		return
	}
}

// finishFirmware retires t unless a cancel already claimed it.
func (d *Dispatcher) finishFirmware(t *firmwareTask, rec FirmwareUpdate, now time.Time) {
	d.mu.Lock()
	if d.active[rec.DeviceID] != t {
		d.mu.Unlock()
		return
	}
	delete(d.active, rec.DeviceID)
	d.mu.Unlock()
	metrics.FirmwareUpdates.Dec()

	if err := d.dir.SetFirmware(rec.DeviceID, rec.TargetVersion); err != nil {
		rec.Status = FirmwareFailed
		t.mu.Lock()
		t.rec.Status = FirmwareFailed
		t.mu.Unlock()
		d.log.Warn("firmware update failed", zap.String("device_id", rec.DeviceID), zap.Error(err))
	}

	d.mu.Lock()
	d.history[rec.DeviceID] = rec
	d.mu.Unlock()

	payload := firmwarePayload(rec)
	d.out.Broadcast(channel.ForDevice(rec.DeviceID), event.NewAt(event.FirmwareCompleted{Firmware: payload, CompletedAt: now.UTC()}, now))
	d.out.Broadcast(channel.Dashboard, event.NewAt(event.FirmwareFinished{Firmware: payload, CompletedAt: now.UTC()}, now))
	d.log.Info("firmware update finished",
		zap.String("device_id", rec.DeviceID),
		zap.String("version", rec.TargetVersion),
		zap.String("status", string(rec.Status)))
}

// CancelFirmwareUpdate aborts the device's running update and announces it on
// the device channel and the dashboard.
func (d *Dispatcher) CancelFirmwareUpdate(deviceID, reason string) (FirmwareUpdate, error) {
	d.mu.Lock()
	t, ok := d.active[deviceID]
	if ok {
		delete(d.active, deviceID)
	}
	d.mu.Unlock()
	if !ok {
		return FirmwareUpdate{}, errors.Wrap(errors.ErrNoActiveUpdate, deviceID)
	}

	t.cancel()
	<-t.done
	metrics.FirmwareUpdates.Dec()

	t.mu.Lock()
	t.rec.Status = FirmwareCancelled
	rec := t.rec
	t.mu.Unlock()

	d.mu.Lock()
	d.history[deviceID] = rec
	d.mu.Unlock()

	now := d.opts.Now()
	env := event.NewAt(event.FirmwareCancelled{Firmware: firmwarePayload(rec), Reason: reason}, now)
	d.out.Broadcast(channel.ForDevice(deviceID), env)
	d.out.Broadcast(channel.Dashboard, env)
	d.log.Info("firmware update cancelled",
		zap.String("device_id", deviceID),
		zap.Int("progress", rec.Progress),
		zap.String("reason", reason))
	return rec, nil
}

// FirmwareUpdate returns the active update for deviceID, or the last finished one.
func (d *Dispatcher) FirmwareUpdate(deviceID string) (FirmwareUpdate, bool) {
	d.mu.Lock()
	t, active := d.active[deviceID]
	last, done := d.history[deviceID]
	d.mu.Unlock()

	if active {
		return t.snapshot(), true
	}
	return last, done
}

// ActiveFirmwareUpdates returns the ids of devices with an update in progress.
func (d *Dispatcher) ActiveFirmwareUpdates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	return ids
}
