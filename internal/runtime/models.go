package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// PipelineStats is the in-process view served at /api/stats.
type PipelineStats struct {
	mu sync.Mutex

	StatementsProcessed uint64    `json:"statements_processed"`
	Succeeded           uint64    `json:"succeeded"`
	Deduplicated        uint64    `json:"deduplicated"`
	Quarantined         uint64    `json:"quarantined"`
	Deferred            uint64    `json:"deferred"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceTracker
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"statements_in_window"`
	TotalMessages    uint64  `json:"total_statements"`
}

// ErrorBreakdown counts failed outcomes per error class.
type ErrorBreakdown struct {
	ByClass   map[string]uint64 `json:"by_class"`
	LastError string            `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

func newPipelineStats(sampler *resourceTracker) *PipelineStats {
	return &PipelineStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		resourceSampler:  sampler,
		Errors:           ErrorBreakdown{ByClass: map[string]uint64{}},
	}
}

func (s *PipelineStats) record(out Outcome, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.StatementsProcessed++
	switch out.Kind {
	case OutcomeSuccess:
		s.Succeeded++
		s.LastSuccessAt = now.UTC()
		if out.Artifact != nil && out.Artifact.Deduplicated {
			s.Deduplicated++
		}
	case OutcomeQuarantined:
		s.Quarantined++
	case OutcomeDeferred:
		s.Deferred++
	}
	if out.Err != nil {
		s.Errors.ByClass[string(out.Class)]++
		s.Errors.LastError = out.Err.Error()
	}
	s.TotalProcessingTime += int64(out.Duration)
	s.LastProcessedAt = now.UTC()

	s.latencyWindow.Add(out.Duration)
	snapshot := s.latencyWindow.Snapshot()
	snapshot.AverageNs = s.TotalProcessingTime / int64(s.StatementsProcessed)
	s.Latency = snapshot

	tp := s.throughputWindow.AddAndSnapshot(now)
	s.Throughput.CurrentRPS = tp.CurrentRPS
	s.Throughput.WindowSeconds = tp.WindowSeconds
	s.Throughput.MessagesInWindow = uint64(tp.Count)
	s.Throughput.TotalMessages = s.StatementsProcessed

	if s.resourceSampler != nil {
		s.Resource = s.resourceSampler.Snapshot()
	}
}

func (s *PipelineStats) lastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastSuccessAt
}

func (s *PipelineStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type alias PipelineStats
	return jsoncodec.Marshal((*alias)(s))
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// throughputWindow keeps event times inside a sliding horizon. The pipeline
// also uses it to detect quarantine bursts.
type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) reset() {
	tw.samples = tw.samples[:0]
}

func (tw *throughputWindow) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
