package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// resourceTracker samples process CPU share, heap and goroutines for the
// stats endpoint. CPU is the delta since the previous sample.
type resourceTracker struct {
	mu      sync.Mutex
	sample  []metrics.Sample
	prevCPU float64
	prevAt  time.Time
	cpus    float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		sample: []metrics.Sample{{Name: cpuSecondsMetric}},
		cpus:   float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.sample)
	now := time.Now()
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}

	if v := r.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !r.prevAt.IsZero() {
			if wall := now.Sub(r.prevAt).Seconds(); wall > 0 && r.cpus > 0 {
				usage.CPUPercent = (cpu - r.prevCPU) / wall / r.cpus * 100
			}
		}
		r.prevCPU = cpu
	}
	r.prevAt = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
