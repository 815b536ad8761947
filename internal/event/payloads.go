package event

import (
	"time"

	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
)

// Reading is one sensor sample.
type Reading struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"deviceId"`
	Timestamp time.Time       `json:"timestamp"`
	Value     float64         `json:"value"`
	Unit      string          `json:"unit"`
	Type      device.Category `json:"type"`
	Quality   string          `json:"quality"`
	Metadata  ReadingMetadata `json:"metadata"`
}

// ReadingMetadata carries device vitals sampled alongside the value.
type ReadingMetadata struct {
	Battery     float64  `json:"battery"`
	Signal      float64  `json:"signal"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// SensorData is a live reading fanned out to the device channel and the dashboard.
type SensorData struct {
	Reading
}

func (SensorData) EventType() Type { return TypeSensorDataUpdate }

// TestSensor is an on-demand reading broadcast to every connection.
type TestSensor struct {
	Reading
}

func (TestSensor) EventType() Type { return TypeTestSensorData }

// StatusChange reports a device status transition to the dashboard.
type StatusChange struct {
	DeviceID string        `json:"deviceId"`
	Status   device.Status `json:"status"`
	LastSeen time.Time     `json:"lastSeen"`
}

func (StatusChange) EventType() Type { return TypeDeviceStatusChange }

// StatusUpdate follows a command on the device channel.
type StatusUpdate struct {
	DeviceID    string    `json:"deviceId"`
	Status      string    `json:"status"`
	LastCommand string    `json:"lastCommand"`
	Timestamp   time.Time `json:"timestamp"`
}

func (StatusUpdate) EventType() Type { return TypeDeviceStatusUpdate }

// StatusResponse answers a status query, point to point.
type StatusResponse struct {
	DeviceID    string        `json:"deviceId"`
	Status      device.Status `json:"status"`
	LastSeen    time.Time     `json:"lastSeen"`
	Battery     float64       `json:"battery"`
	Signal      float64       `json:"signal"`
	Uptime      int64         `json:"uptime"`
	Firmware    string        `json:"firmware,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

func (StatusResponse) EventType() Type { return TypeDeviceStatusResponse }

// CommandResult is the outcome of one command on one device.
type CommandResult struct {
	DeviceID      string         `json:"deviceId"`
	Command       string         `json:"command"`
	Parameters    map[string]any `json:"parameters"`
	Status        string         `json:"status"`
	Response      string         `json:"response"`
	ExecutionTime float64        `json:"executionTime"`
	Timestamp     time.Time      `json:"timestamp"`
	BulkID        string         `json:"bulkId,omitempty"`
}

func (CommandResult) EventType() Type { return TypeDeviceCommandResponse }

// CommandExecuted mirrors a CommandResult to the dashboard with its requester.
type CommandExecuted struct {
	CommandResult
	ExecutedBy string `json:"executedBy"`
}

func (CommandExecuted) EventType() Type { return TypeDeviceCommandExecuted }

// CommandError is sent only to the connection whose request failed.
type CommandError struct {
	DeviceID  string    `json:"deviceId"`
	Command   string    `json:"command"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (CommandError) EventType() Type { return TypeDeviceCommandError }

// ConfigUpdated is sent to the device channel.
type ConfigUpdated struct {
	DeviceID  string         `json:"deviceId"`
	Config    map[string]any `json:"config"`
	Timestamp time.Time      `json:"timestamp"`
}

func (ConfigUpdated) EventType() Type { return TypeDeviceConfigUpdated }

// ConfigChanged is sent to the dashboard.
type ConfigChanged struct {
	ConfigUpdated
	ChangedBy string `json:"changedBy"`
}

func (ConfigChanged) EventType() Type { return TypeDeviceConfigChanged }

// Firmware describes an update record at the moment it is reported.
type Firmware struct {
	DeviceID      string    `json:"deviceId"`
	Version       string    `json:"version"`
	Status        string    `json:"status"`
	Progress      int       `json:"progress"`
	EstimatedTime int       `json:"estimatedTime"`
	StartedAt     time.Time `json:"startedAt"`
}

// FirmwareStarted goes to the device channel when an update begins.
type FirmwareStarted struct{ Firmware }

func (FirmwareStarted) EventType() Type { return TypeFirmwareUpdateStarted }

// FirmwareInitiated goes to the dashboard when an update begins.
type FirmwareInitiated struct {
	Firmware
	InitiatedBy string `json:"initiatedBy"`
}

func (FirmwareInitiated) EventType() Type { return TypeFirmwareUpdateInitiated }

// FirmwareProgress goes to the device channel on every tick before completion.
type FirmwareProgress struct{ Firmware }

func (FirmwareProgress) EventType() Type { return TypeFirmwareUpdateProgress }

// FirmwareCompleted goes to the device channel at 100%.
type FirmwareCompleted struct {
	Firmware
	CompletedAt time.Time `json:"completedAt"`
}

func (FirmwareCompleted) EventType() Type { return TypeFirmwareUpdateCompleted }

// FirmwareFinished goes to the dashboard at 100%.
type FirmwareFinished struct {
	Firmware
	CompletedAt time.Time `json:"completedAt"`
}

func (FirmwareFinished) EventType() Type { return TypeFirmwareUpdateFinished }

// FirmwareCancelled goes to both channels when an update is aborted.
type FirmwareCancelled struct {
	Firmware
	Reason string `json:"reason"`
}

func (FirmwareCancelled) EventType() Type { return TypeFirmwareUpdateCancelled }

// BulkResult is one device's share of a bulk command.
type BulkResult struct {
	DeviceID      string  `json:"deviceId"`
	Status        string  `json:"status"`
	Response      string  `json:"response,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"executionTime"`
}

// BulkCompleted summarises a bulk command for the dashboard.
type BulkCompleted struct {
	BulkID      string       `json:"bulkId"`
	Command     string       `json:"command"`
	Status      string       `json:"status"`
	Total       int          `json:"total"`
	Successful  int          `json:"successful"`
	Failed      int          `json:"failed"`
	Results     []BulkResult `json:"results"`
	RequestedBy string       `json:"requestedBy"`
	CompletedAt time.Time    `json:"completedAt"`
}

func (BulkCompleted) EventType() Type { return TypeBulkCommandCompleted }

// DashboardInit is the point-to-point greeting after join-dashboard.
type DashboardInit struct {
	Message           string          `json:"message"`
	ConnectionID      string          `json:"connectionId"`
	Devices           []device.Device `json:"devices"`
	SimulationRunning bool            `json:"simulationRunning"`
}

func (DashboardInit) EventType() Type { return TypeDashboardInit }

// Simulation reports the generator state to the requesting connection.
type Simulation struct {
	Running bool `json:"running"`
}

func (Simulation) EventType() Type { return TypeSimulationStatus }

// System is the periodic process heartbeat sent to the dashboard.
type System struct {
	metrics.System
	Uptime            float64 `json:"uptime"`
	Connections       int     `json:"connections"`
	Devices           int     `json:"devices"`
	SimulationRunning bool    `json:"simulationRunning"`
}

func (System) EventType() Type { return TypeSystemStatus }

// Alert is relayed from a client to the dashboard.
type Alert struct {
	DeviceID string         `json:"deviceId"`
	Message  string         `json:"message"`
	Severity string         `json:"severity"`
	Data     map[string]any `json:"data,omitempty"`
	RaisedBy string         `json:"raisedBy"`
}

func (Alert) EventType() Type { return TypeAlertUpdate }

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (PongPayload) EventType() Type { return TypePong }
