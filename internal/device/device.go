// Package device holds the device directory shared by the telemetry generator,
// the command dispatcher and the session layer.
package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/nmxmxh/iot-realtime/pkg/errors"
)

// Status is the operational state of a device.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusError, StatusMaintenance:
		return true
	}
	return false
}

// Category selects the telemetry value model for a device.
type Category string

const (
	CategoryTemperature Category = "temperature"
	CategoryHumidity    Category = "humidity"
	CategoryMotion      Category = "motion"
	CategoryLight       Category = "light"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryTemperature, CategoryHumidity, CategoryMotion, CategoryLight:
		return true
	}
	return false
}

// CategoryFromID infers a category from a device id such as "temp-001".
func CategoryFromID(id string) Category {
	switch {
	case strings.Contains(id, "temp"):
		return CategoryTemperature
	case strings.Contains(id, "hum"):
		return CategoryHumidity
	case strings.Contains(id, "motion"):
		return CategoryMotion
	default:
		return CategoryLight
	}
}

// Device is a registered device as known to the hub.
type Device struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Category     Category  `json:"category" yaml:"category"`
	Location     string    `json:"location,omitempty" yaml:"location"`
	Status       Status    `json:"status" yaml:"status"`
	LastSeen     time.Time `json:"lastSeen" yaml:"-"`
	Firmware     string    `json:"firmware,omitempty" yaml:"firmware"`
	Manufacturer string    `json:"manufacturer,omitempty" yaml:"manufacturer"`
	Model        string    `json:"model,omitempty" yaml:"model"`
}

// Validate checks the fields every consumer relies on.
func (d Device) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.Wrap(errors.ErrMalformedDevice, "empty id")
	}
	if !d.Status.Valid() {
		return errors.Wrap(errors.ErrMalformedDevice, fmt.Sprintf("device %s: unknown status %q", d.ID, d.Status))
	}
	if d.Category != "" && !d.Category.Valid() {
		return errors.Wrap(errors.ErrMalformedDevice, fmt.Sprintf("device %s: unknown category %q", d.ID, d.Category))
	}
	return nil
}

// normalize fills the category from the id when it was left empty.
func (d Device) normalize() Device {
	if d.Category == "" {
		d.Category = CategoryFromID(d.ID)
	}
	return d
}

// Seed returns the built-in demo devices.
func Seed(now time.Time) []Device {
	return []Device{
		{
			ID:           "temp-001",
			Name:         "Temperature Sensor 1",
			Category:     CategoryTemperature,
			Location:     "Room 101, Main Building",
			Status:       StatusOnline,
			LastSeen:     now,
			Firmware:     "v2.1.0",
			Manufacturer: "Sensirion",
			Model:        "SHT30",
		},
		{
			ID:           "hum-001",
			Name:         "Humidity Sensor 1",
			Category:     CategoryHumidity,
			Location:     "Room 101, Main Building",
			Status:       StatusOnline,
			LastSeen:     now,
			Firmware:     "v2.1.0",
			Manufacturer: "Sensirion",
			Model:        "SHT30",
		},
		{
			ID:           "motion-001",
			Name:         "Motion Sensor 1",
			Category:     CategoryMotion,
			Location:     "Room 102, Main Building",
			Status:       StatusOffline,
			LastSeen:     now.Add(-15 * time.Minute),
			Firmware:     "v1.0.0",
			Manufacturer: "PIR Sensor",
			Model:        "HC-SR501",
		},
		{
			ID:           "light-001",
			Name:         "Light Sensor 1",
			Category:     CategoryLight,
			Location:     "Room 103, Main Building",
			Status:       StatusError,
			LastSeen:     now.Add(-5 * time.Minute),
			Firmware:     "v1.2.0",
			Manufacturer: "BH1750",
			Model:        "FVI",
		},
	}
}
