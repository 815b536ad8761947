package hub

import (
	"context"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/command"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/errors"
	"github.com/nmxmxh/iot-realtime/pkg/json"
	"github.com/nmxmxh/iot-realtime/pkg/logger"
	"go.uber.org/zap"
)

// Session is a connection as seen by intent handlers.
type Session interface {
	channel.Subscriber
	Principal() string
}

// Intents accepted from clients.
const (
	IntentJoinDashboard   = "join-dashboard"
	IntentJoinDevice      = "join-device"
	IntentLeaveDevice     = "leave-device"
	IntentStartSimulation = "start-simulation"
	IntentStopSimulation  = "stop-simulation"
	IntentSendCommand     = "send-device-command"
	IntentUpdateConfig    = "update-device-config"
	IntentStartFirmware   = "start-firmware-update"
	IntentCancelFirmware  = "cancel-firmware-update"
	IntentBulkCommand     = "bulk-device-command"
	IntentGetStatus       = "get-device-status"
	IntentRequestTestData = "request-test-data"
	IntentSensorData      = "sensor-data"
	IntentDeviceStatus    = "device-status"
	IntentAlert           = "alert"
	IntentPing            = "ping"
)

// message is a client frame: {"type": "...", "payload": ...}.
type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type configRequest struct {
	DeviceID string         `mapstructure:"deviceId"`
	Config   map[string]any `mapstructure:"config"`
}

type firmwareRequest struct {
	DeviceID string `mapstructure:"deviceId"`
	Version  string `mapstructure:"version"`
}

type alertRequest struct {
	DeviceID string         `mapstructure:"deviceId"`
	Message  string         `mapstructure:"message"`
	Severity string         `mapstructure:"severity"`
	Data     map[string]any `mapstructure:"data"`
}

type statusReport struct {
	DeviceID string `mapstructure:"deviceId"`
	Status   string `mapstructure:"status"`
}

// decodePayload maps an object payload onto out.
func decodePayload(raw json.RawMessage, out any) error {
	fields := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return errors.Wrap(errors.ErrInvalidInput, "payload must be an object")
		}
	}
	if err := mapstructure.Decode(fields, out); err != nil {
		return errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	return nil
}

// deviceIDFrom accepts either "temp-001" or {"deviceId": "temp-001"}.
func deviceIDFrom(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", errors.Wrap(errors.ErrInvalidInput, "deviceId is required")
		}
		return id, nil
	}
	var req struct {
		DeviceID string `mapstructure:"deviceId"`
	}
	if err := decodePayload(raw, &req); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return "", errors.Wrap(errors.ErrInvalidInput, "deviceId is required")
	}
	return strings.TrimSpace(req.DeviceID), nil
}

// Handle decodes one client frame and runs its intent. Failures are reported
// to the sender only; unknown intents are ignored.
func (h *Hub) Handle(ctx context.Context, sess Session, raw []byte) {
	log := logger.FromContext(ctx, h.log)

	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		log.Debug("ignoring malformed frame", zap.String("raw", json.Truncate(raw, 256)))
		return
	}

	if err := h.dispatch(ctx, sess, msg); err != nil {
		if errors.Is(err, errors.ErrUnknownIntent) {
			log.Debug("ignoring unknown intent", zap.String("type", msg.Type))
			return
		}
		deviceID := peekDeviceID(msg.Payload)
		if clientFault(err) {
			log.Warn("intent failed", zap.String("type", msg.Type), zap.String("device_id", deviceID), zap.Error(err))
		} else {
			_ = errors.LogWithError(ctx, h.log, "intent failed", err,
				zap.String("type", msg.Type), zap.String("device_id", deviceID))
		}
		h.reg.Send(sess.ID(), command.ErrorEnvelope(deviceID, msg.Type, err, h.opts.Now()))
	}
}

func clientFault(err error) bool {
	for _, target := range []error{
		errors.ErrInvalidInput,
		errors.ErrDeviceNotFound,
		errors.ErrUpdateInProgress,
		errors.ErrNoActiveUpdate,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func peekDeviceID(raw json.RawMessage) string {
	id, err := deviceIDFrom(raw)
	if err != nil {
		return ""
	}
	return id
}

func (h *Hub) dispatch(ctx context.Context, sess Session, msg message) error {
	switch msg.Type {
	case IntentJoinDashboard:
		h.joinDashboard(sess)
		return nil

	case IntentJoinDevice:
		id, err := deviceIDFrom(msg.Payload)
		if err != nil {
			return err
		}
		h.reg.Join(sess, channel.ForDevice(id))
		return nil

	case IntentLeaveDevice:
		id, err := deviceIDFrom(msg.Payload)
		if err != nil {
			return err
		}
		ch := channel.ForDevice(id)
		if h.reg.Leave(sess.ID(), ch) {
			h.releaseDevice(ch)
		}
		return nil

	case IntentStartSimulation:
		h.gen.Start()
		h.reg.Send(sess.ID(), event.NewAt(event.Simulation{Running: h.gen.Running()}, h.opts.Now()))
		return nil

	case IntentStopSimulation:
		h.gen.Stop()
		h.reg.Send(sess.ID(), event.NewAt(event.Simulation{Running: h.gen.Running()}, h.opts.Now()))
		return nil

	case IntentSendCommand:
		var req command.Request
		if err := decodePayload(msg.Payload, &req); err != nil {
			return err
		}
		_, err := h.disp.Execute(sess.Principal(), req)
		return err

	case IntentBulkCommand:
		var req command.BulkRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return err
		}
		_, err := h.disp.ExecuteBulk(sess.Principal(), req)
		return err

	case IntentUpdateConfig:
		var req configRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return err
		}
		return h.disp.UpdateConfig(sess.Principal(), req.DeviceID, req.Config)

	case IntentStartFirmware:
		var req firmwareRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return err
		}
		_, err := h.disp.StartFirmwareUpdate(sess.Principal(), req.DeviceID, req.Version)
		return err

	case IntentCancelFirmware:
		id, err := deviceIDFrom(msg.Payload)
		if err != nil {
			return err
		}
		_, err = h.disp.CancelFirmwareUpdate(id, "cancelled by "+sess.Principal())
		return err

	case IntentGetStatus:
		id, err := deviceIDFrom(msg.Payload)
		if err != nil {
			return err
		}
		snap, err := h.disp.DeviceStatus(id)
		if err != nil {
			return err
		}
		h.reg.Send(sess.ID(), command.StatusEnvelope(snap, h.opts.Now()))
		return nil

	case IntentRequestTestData:
		return h.gen.EmitTestData(h.opts.TestDeviceID)

	case IntentSensorData:
		var reading event.Reading
		if err := json.Unmarshal(msg.Payload, &reading); err != nil {
			return errors.Wrap(errors.ErrInvalidInput, "sensor-data payload")
		}
		return h.gen.Ingest(reading)

	case IntentDeviceStatus:
		var req statusReport
		if err := decodePayload(msg.Payload, &req); err != nil {
			return err
		}
		return h.relayStatus(sess, req)

	case IntentAlert:
		var req alertRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return err
		}
		h.reg.BroadcastExcept(channel.Dashboard, event.NewAt(event.Alert{
			DeviceID: req.DeviceID,
			Message:  req.Message,
			Severity: req.Severity,
			Data:     req.Data,
			RaisedBy: sess.Principal(),
		}, h.opts.Now()), sess.ID())
		return nil

	case IntentPing:
		now := h.opts.Now()
		h.reg.Send(sess.ID(), event.NewAt(event.PongPayload{Timestamp: now.UTC()}, now))
		return nil
	}
	return errors.ErrUnknownIntent
}

// joinDashboard queues the init envelope before joining, so it precedes every
// dashboard broadcast this connection will see.
func (h *Hub) joinDashboard(sess Session) {
	h.reg.Register(sess)
	h.reg.Send(sess.ID(), event.NewAt(event.DashboardInit{
		Message:           "Dashboard connected successfully",
		ConnectionID:      sess.ID(),
		Devices:           h.dir.List(),
		SimulationRunning: h.gen.Running(),
	}, h.opts.Now()))
	h.reg.Join(sess, channel.Dashboard)
}

// relayStatus forwards a status reported by a device client to the rest of the
// dashboard. It does not touch the directory, which has a single writer.
func (h *Hub) relayStatus(sess Session, req statusReport) error {
	if strings.TrimSpace(req.DeviceID) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "deviceId is required")
	}
	status := device.Status(req.Status)
	if !status.Valid() {
		return errors.Wrap(errors.ErrInvalidInput, "status "+req.Status)
	}
	dev, err := h.dir.Get(req.DeviceID)
	if err != nil {
		return err
	}
	now := h.opts.Now()
	h.reg.BroadcastExcept(channel.Dashboard, event.NewAt(event.StatusChange{
		DeviceID: dev.ID,
		Status:   status,
		LastSeen: now.UTC(),
	}, now), sess.ID())
	return nil
}
