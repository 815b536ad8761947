package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestReadSystem(t *testing.T) {
	s := ReadSystem()
	assert.Positive(t, s.Goroutines)
	assert.Positive(t, s.HeapSys)
	assert.Equal(t, float64(s.Goroutines), testutil.ToFloat64(SystemGauges.WithLabelValues("goroutines")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Envelopes.WithLabelValues("pong"))
	Envelopes.WithLabelValues("pong").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Envelopes.WithLabelValues("pong")))

	dropped := testutil.ToFloat64(DroppedFrames)
	DroppedFrames.Add(2)
	assert.Equal(t, dropped+2, testutil.ToFloat64(DroppedFrames))
}
