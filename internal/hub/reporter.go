package hub

import (
	"fmt"

	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	"go.uber.org/zap"
)

// StartReporter schedules the system-status heartbeat on the dashboard.
func (h *Hub) StartReporter() error {
	if _, err := h.scheduler.AddFunc(h.opts.SystemStatusSchedule, h.ReportSystemStatus); err != nil {
		return fmt.Errorf("schedule system status %q: %w", h.opts.SystemStatusSchedule, err)
	}
	h.scheduler.Start()
	h.log.Info("system status reporter started", zap.String("schedule", h.opts.SystemStatusSchedule))
	return nil
}

// SystemStatus samples the process and hub state.
func (h *Hub) SystemStatus() event.System {
	return event.System{
		System:            metrics.ReadSystem(),
		Uptime:            h.opts.Now().Sub(h.startedAt).Seconds(),
		Connections:       h.reg.Connections(),
		Devices:           h.dir.Len(),
		SimulationRunning: h.gen.Running(),
	}
}

// ReportSystemStatus sends one system-status envelope to this process's
// dashboard members. Each process reports its own state, so it is not relayed.
func (h *Hub) ReportSystemStatus() {
	h.reg.BroadcastLocal(channel.Dashboard, event.NewAt(h.SystemStatus(), h.opts.Now()))
}
