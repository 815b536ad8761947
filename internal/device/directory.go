package device

import (
	"sync"
	"time"

	"github.com/nmxmxh/iot-realtime/pkg/errors"
)

// Directory is the concurrency-safe device store. SetStatus is the only path
// that mutates status and lastSeen.
type Directory struct {
	mu      sync.RWMutex
	devices map[string]Device
	order   []string
}

// NewDirectory creates a directory holding devices. Invalid records are skipped.
func NewDirectory(devices ...Device) *Directory {
	d := &Directory{devices: make(map[string]Device, len(devices))}
	for _, dev := range devices {
		_ = d.Upsert(dev)
	}
	return d
}

// List returns a copy of every device in insertion order.
func (d *Directory) List() []Device {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Device, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.devices[id])
	}
	return out
}

// Len returns the number of devices.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Get returns the device with id.
func (d *Directory) Get(id string) (Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dev, ok := d.devices[id]
	if !ok {
		return Device{}, errors.Wrap(errors.ErrDeviceNotFound, id)
	}
	return dev, nil
}

// Upsert adds dev or replaces the stored record with the same id.
func (d *Directory) Upsert(dev Device) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	dev = dev.normalize()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.devices[dev.ID]; !ok {
		d.order = append(d.order, dev.ID)
	}
	d.devices[dev.ID] = dev
	return nil
}

// Merge applies descriptive fields from dev while keeping the live status and
// lastSeen of an existing record. Unknown devices are added as declared.
// It reports whether the device was new.
func (d *Directory) Merge(dev Device) (bool, error) {
	if err := dev.Validate(); err != nil {
		return false, err
	}
	dev = dev.normalize()

	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.devices[dev.ID]
	if !ok {
		d.order = append(d.order, dev.ID)
		d.devices[dev.ID] = dev
		return true, nil
	}
	dev.Status = current.Status
	dev.LastSeen = current.LastSeen
	d.devices[dev.ID] = dev
	return false, nil
}

// SetStatus records a status observed at at. changed is false when the device
// already had that status, in which case lastSeen is left alone.
func (d *Directory) SetStatus(id string, status Status, at time.Time) (bool, error) {
	if !status.Valid() {
		return false, errors.Wrap(errors.ErrInvalidInput, "status "+string(status))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[id]
	if !ok {
		return false, errors.Wrap(errors.ErrDeviceNotFound, id)
	}
	if dev.Status == status {
		return false, nil
	}
	dev.Status = status
	dev.LastSeen = at
	d.devices[id] = dev
	return true, nil
}

// Touch refreshes lastSeen without changing status.
func (d *Directory) Touch(id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[id]
	if !ok {
		return errors.Wrap(errors.ErrDeviceNotFound, id)
	}
	if at.After(dev.LastSeen) {
		dev.LastSeen = at
		d.devices[id] = dev
	}
	return nil
}

// SetFirmware records the installed firmware version.
func (d *Directory) SetFirmware(id, version string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[id]
	if !ok {
		return errors.Wrap(errors.ErrDeviceNotFound, id)
	}
	dev.Firmware = version
	d.devices[id] = dev
	return nil
}
