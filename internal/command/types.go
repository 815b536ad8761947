package command

import (
	"time"

	"github.com/nmxmxh/iot-realtime/internal/device"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// BulkStatus is the lifecycle of a bulk command record.
type BulkStatus string

const (
	BulkPending    BulkStatus = "PENDING"
	BulkInProgress BulkStatus = "IN_PROGRESS"
	BulkCompleted  BulkStatus = "COMPLETED"
	BulkFailed     BulkStatus = "FAILED"
)

// FirmwareStatus is the lifecycle of a firmware update record.
type FirmwareStatus string

const (
	FirmwareInProgress FirmwareStatus = "IN_PROGRESS"
	FirmwareCompleted  FirmwareStatus = "COMPLETED"
	FirmwareFailed     FirmwareStatus = "FAILED"
	FirmwareCancelled  FirmwareStatus = "CANCELLED"
)

// Request is a command for one device.
type Request struct {
	DeviceID   string         `mapstructure:"deviceId"`
	Command    string         `mapstructure:"command"`
	Parameters map[string]any `mapstructure:"parameters"`
}

// BulkRequest is a command for many devices.
type BulkRequest struct {
	DeviceIDs  []string       `mapstructure:"deviceIds"`
	Command    string         `mapstructure:"command"`
	Parameters map[string]any `mapstructure:"parameters"`
}

// Result is the synthesized outcome of a single command.
type Result struct {
	DeviceID      string
	Command       string
	Parameters    map[string]any
	Status        string
	Response      string
	ExecutionTime float64 // milliseconds, reported only
	Timestamp     time.Time
}

// BulkResult is one device's outcome inside a bulk record.
type BulkResult struct {
	DeviceID      string
	Status        string
	Response      string
	Error         string
	ExecutionTime float64
}

// BulkRecord tracks a bulk command. It is returned to the caller and not
// retained by the dispatcher.
type BulkRecord struct {
	ID          string
	Command     string
	Parameters  map[string]any
	DeviceIDs   []string
	Status      BulkStatus
	Results     []BulkResult
	RequestedBy string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Successful counts SUCCESS results.
func (b BulkRecord) Successful() int {
	n := 0
	for _, r := range b.Results {
		if r.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// Failed counts non-successful results.
func (b BulkRecord) Failed() int {
	return len(b.Results) - b.Successful()
}

// FirmwareUpdate is a snapshot of one device's firmware update.
type FirmwareUpdate struct {
	DeviceID      string
	TargetVersion string
	Status        FirmwareStatus
	Progress      int
	EstimatedTime int // seconds remaining
	StartedAt     time.Time
	RequestedBy   string
}

// StatusSnapshot answers an on-demand status query. It is synthesized per call.
type StatusSnapshot struct {
	DeviceID    string
	Status      device.Status
	LastSeen    time.Time
	Battery     float64
	Signal      float64
	Uptime      int64
	Firmware    string
	Temperature *float64
}
