package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SystemGauges tracks process statistics reported with system-status.
	SystemGauges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_system_stats",
			Help: "Process statistics",
		},
		[]string{"type"},
	)
)

// System is a point-in-time view of the process.
type System struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"memAlloc"`
	HeapSys    uint64 `json:"memSys"`
	NumGC      uint32 `json:"numGC"`
}

// ReadSystem samples the runtime and mirrors the values into SystemGauges.
func ReadSystem() System {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	s := System{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  stats.HeapAlloc,
		HeapSys:    stats.HeapSys,
		NumGC:      stats.NumGC,
	}
	SystemGauges.WithLabelValues("goroutines").Set(float64(s.Goroutines))
	SystemGauges.WithLabelValues("heap_alloc_bytes").Set(float64(s.HeapAlloc))
	SystemGauges.WithLabelValues("heap_sys_bytes").Set(float64(s.HeapSys))
	SystemGauges.WithLabelValues("num_gc").Set(float64(s.NumGC))
	return s
}
