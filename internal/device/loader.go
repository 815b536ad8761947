package device

import (
	"fmt"
	"os"

	"github.com/nmxmxh/iot-realtime/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a device seed file.
type File struct {
	Devices []Device `yaml:"devices"`
}

// LoadFile reads and validates a YAML device file. A device without a status
// starts offline.
func LoadFile(path string) ([]Device, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML device document.
func Parse(raw []byte) ([]Device, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse devices file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Devices))
	out := make([]Device, 0, len(f.Devices))
	for i, d := range f.Devices {
		if d.Status == "" {
			d.Status = StatusOffline
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("devices[%d]: %w", i, errors.Wrap(errors.ErrMalformedDevice, "duplicate id "+d.ID))
		}
		seen[d.ID] = struct{}{}
		out = append(out, d.normalize())
	}
	return out, nil
}
