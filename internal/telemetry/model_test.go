package telemetry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constSource always returns the same draw.
type constSource float64

func (c constSource) Float64() float64 { return float64(c) }

func TestSampleMidpoints(t *testing.T) {
	tests := []struct {
		name  string
		cat   device.Category
		hour  int
		draw  float64
		value float64
		unit  string
	}{
		{"temperature peak", device.CategoryTemperature, 12, 0.5, 28, "°C"},
		{"temperature trough", device.CategoryTemperature, 0, 0.5, 12, "°C"},
		{"humidity peak hour", device.CategoryHumidity, 12, 0.5, 35, "%"},
		{"motion at night", device.CategoryMotion, 3, 0.99, 0, "detected"},
		{"motion daytime active", device.CategoryMotion, 12, 0.9, 1, "detected"},
		{"motion daytime idle", device.CategoryMotion, 12, 0.5, 0, "detected"},
		{"light noon", device.CategoryLight, 12, 0.5, 900, "lux"},
		{"light evening", device.CategoryLight, 20, 0.5, 100, "lux"},
		{"light night", device.CategoryLight, 2, 0.5, 10, "lux"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, unit, err := Sample(tt.cat, tt.hour, constSource(tt.draw))
			require.NoError(t, err)
			assert.InDelta(t, tt.value, v, 1e-9)
			assert.Equal(t, tt.unit, unit)
		})
	}
}

func TestSampleUnknownCategory(t *testing.T) {
	_, _, err := Sample("sonar", 12, constSource(0.5))
	assert.Error(t, err)
}

func TestSampleRanges(t *testing.T) {
	src := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		hour := i % 24
		base := diurnal(hour)

		temp, _, _ := Sample(device.CategoryTemperature, hour, src)
		assert.InDelta(t, 20+base*8, temp, 1)

		hum, _, _ := Sample(device.CategoryHumidity, hour, src)
		assert.InDelta(t, 50-base*15, hum, 5)

		light, _, _ := Sample(device.CategoryLight, hour, src)
		assert.GreaterOrEqual(t, light, 0.0)

		motion, _, _ := Sample(device.CategoryMotion, hour, src)
		assert.Contains(t, []float64{0, 1}, motion)
		if hour < 7 || hour > 22 {
			assert.Zero(t, motion)
		}
	}
}

func TestNewReading(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dev := device.Device{ID: "temp-001", Category: device.CategoryTemperature, Status: device.StatusOnline}

	r, err := NewReading(dev, now, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	assert.Equal(t, "temp-001-1714564800000", r.ID)
	assert.Equal(t, "temp-001", r.DeviceID)
	assert.Equal(t, device.CategoryTemperature, r.Type)
	assert.Equal(t, r.Value, round2(r.Value))
	require.NotNil(t, r.Metadata.Temperature)
	assert.Equal(t, r.Value, *r.Metadata.Temperature)
	assert.GreaterOrEqual(t, r.Metadata.Battery, 85.0)
	assert.LessOrEqual(t, r.Metadata.Battery, 100.0)
	assert.GreaterOrEqual(t, r.Metadata.Signal, 90.0)
	assert.LessOrEqual(t, r.Metadata.Signal, 100.0)
	assert.Contains(t, []string{"excellent", "good"}, r.Quality)
}

func TestNewReadingInfersCategory(t *testing.T) {
	r, err := NewReading(device.Device{ID: "hum-7"}, time.Now(), constSource(0.5))
	require.NoError(t, err)
	assert.Equal(t, device.CategoryHumidity, r.Type)
	assert.Nil(t, r.Metadata.Temperature)

	_, err = NewReading(device.Device{}, time.Now(), constSource(0.5))
	assert.Error(t, err)
}
