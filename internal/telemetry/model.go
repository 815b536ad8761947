package telemetry

import (
	"fmt"
	"math"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/event"
)

// Source is the randomness used by the value models; *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// diurnal peaks mid-afternoon and bottoms out before dawn.
func diurnal(hour int) float64 {
	return math.Sin(float64(hour-6) * math.Pi / 12)
}

// jitter returns a uniform value in [-half, half).
func jitter(src Source, half float64) float64 {
	return (src.Float64() - 0.5) * 2 * half
}

// Sample produces a raw value and unit for category at the given local hour.
func Sample(cat device.Category, hour int, src Source) (float64, string, error) {
	switch cat {
	case device.CategoryTemperature:
		return 20 + diurnal(hour)*8 + jitter(src, 1), "°C", nil

	case device.CategoryHumidity:
		return 50 - diurnal(hour)*15 + jitter(src, 5), "%", nil

	case device.CategoryMotion:
		if hour >= 7 && hour <= 22 && src.Float64() > 0.7 {
			return 1, "detected", nil
		}
		return 0, "detected", nil

	case device.CategoryLight:
		var level float64
		switch {
		case hour >= 6 && hour <= 18:
			level = 500 + diurnal(hour)*400
		case hour >= 19 && hour <= 23:
			level = 50 + src.Float64()*100
		default:
			level = src.Float64() * 20
		}
		return math.Max(0, level+jitter(src, 25)), "lux", nil
	}
	return 0, "", fmt.Errorf("no value model for category %q", cat)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func quality(signal float64) string {
	if signal >= 95 {
		return "excellent"
	}
	return "good"
}

// NewReading builds a reading for dev at now.
func NewReading(dev device.Device, now time.Time, src Source) (event.Reading, error) {
	if dev.ID == "" {
		return event.Reading{}, fmt.Errorf("device without id")
	}
	cat := dev.Category
	if cat == "" {
		cat = device.CategoryFromID(dev.ID)
	}
	value, unit, err := Sample(cat, now.Hour(), src)
	if err != nil {
		return event.Reading{}, fmt.Errorf("device %s: %w", dev.ID, err)
	}
	value = round2(value)

	meta := event.ReadingMetadata{
		Battery: round2(85 + src.Float64()*15),
		Signal:  round2(90 + src.Float64()*10),
	}
	if cat == device.CategoryTemperature {
		t := value
		meta.Temperature = &t
	}

	return event.Reading{
		ID:        fmt.Sprintf("%s-%d", dev.ID, now.UnixMilli()),
		DeviceID:  dev.ID,
		Timestamp: now.UTC(),
		Value:     value,
		Unit:      unit,
		Type:      cat,
		Quality:   quality(meta.Signal),
		Metadata:  meta,
	}, nil
}
