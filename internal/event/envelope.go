// Package event defines the envelope pushed to websocket subscribers and the
// closed set of payloads it can carry.
package event

import (
	"fmt"
	"time"

	"github.com/nmxmxh/iot-realtime/pkg/json"
)

// Type names an event on the wire.
type Type string

const (
	TypeSensorDataUpdate        Type = "sensor-data-update"
	TypeTestSensorData          Type = "test-sensor-data"
	TypeDeviceStatusChange      Type = "device-status-change"
	TypeDeviceStatusUpdate      Type = "device-status-update"
	TypeDeviceStatusResponse    Type = "device-status-response"
	TypeDeviceCommandResponse   Type = "device-command-response"
	TypeDeviceCommandExecuted   Type = "device-command-executed"
	TypeDeviceCommandError      Type = "device-command-error"
	TypeDeviceConfigUpdated     Type = "device-config-updated"
	TypeDeviceConfigChanged     Type = "device-config-changed"
	TypeFirmwareUpdateStarted   Type = "firmware-update-started"
	TypeFirmwareUpdateInitiated Type = "firmware-update-initiated"
	TypeFirmwareUpdateProgress  Type = "firmware-update-progress"
	TypeFirmwareUpdateCompleted Type = "firmware-update-completed"
	TypeFirmwareUpdateFinished  Type = "firmware-update-finished"
	TypeFirmwareUpdateCancelled Type = "firmware-update-cancelled"
	TypeBulkCommandCompleted    Type = "bulk-command-completed"
	TypeDashboardInit           Type = "dashboard-init"
	TypeSimulationStatus        Type = "simulation-status"
	TypeSystemStatus            Type = "system-status"
	TypeAlertUpdate             Type = "alert-update"
	TypePong                    Type = "pong"
)

// Payload is implemented by every envelope body. The envelope type is taken
// from the payload so the two cannot disagree.
type Payload interface {
	EventType() Type
}

// Envelope is the unit delivered to subscribers. Values are immutable once built.
type Envelope struct {
	Type      Type      `json:"type"`
	Data      Payload   `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// New wraps p with the current time.
func New(p Payload) Envelope {
	return NewAt(p, time.Now())
}

// NewAt wraps p with an explicit timestamp.
func NewAt(p Payload, at time.Time) Envelope {
	return Envelope{Type: p.EventType(), Data: p, Timestamp: at.UTC()}
}

// Encode renders env as a JSON text frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Data == nil {
		return nil, fmt.Errorf("encode %s: empty payload", env.Type)
	}
	return json.Marshal(env)
}

// Raw is an envelope whose data has not been decoded into a payload struct.
type Raw struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode parses an encoded envelope without interpreting its data.
func Decode(b []byte) (Raw, error) {
	var r Raw
	if err := json.Unmarshal(b, &r); err != nil {
		return Raw{}, fmt.Errorf("decode envelope: %w", err)
	}
	if r.Type == "" {
		return Raw{}, fmt.Errorf("decode envelope: missing type")
	}
	return r, nil
}

// Envelope rebuilds a deliverable envelope, keeping the original data bytes.
func (r Raw) Envelope() Envelope {
	return Envelope{Type: r.Type, Data: Opaque{Kind: r.Type, Body: r.Data}, Timestamp: r.Timestamp}
}

// Opaque carries already-encoded data, used when relaying envelopes between processes.
type Opaque struct {
	Kind Type
	Body json.RawMessage
}

func (o Opaque) EventType() Type { return o.Kind }

// MarshalJSON emits the stored bytes unchanged.
func (o Opaque) MarshalJSON() ([]byte, error) {
	if len(o.Body) == 0 {
		return []byte("null"), nil
	}
	return o.Body, nil
}
