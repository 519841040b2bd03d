// Package metrics tracks latency and size quantiles per operation using
// DDSketch.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operation names recorded by the transfer pipeline and the command program.
const (
	OpSendChunk = "send_chunk"
	OpReadRange = "read_range"
	OpUpload    = "upload"
	OpReceive   = "receive_chunk"
)

// LatencyTracker records durations and byte sizes per operation.
type LatencyTracker struct {
	mu               sync.Mutex
	latencies        map[string]*ddsketch.DDSketch
	sizes            map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker with DDSketch.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy)
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		latencies:        make(map[string]*ddsketch.DDSketch),
		sizes:            make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

func (lt *LatencyTracker) sketch(m map[string]*ddsketch.DDSketch, operation string) *ddsketch.DDSketch {
	sketch, exists := m[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			// Fallback to default sketch if there's an error
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		m[operation] = sketch
	}
	return sketch
}

// Record records a duration for the given operation.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	// Record duration in milliseconds
	lt.sketch(lt.latencies, operation).Add(float64(duration.Microseconds()) / 1000.0)
}

// RecordSize records a payload size in bytes for the given operation.
// Zero-byte payloads are skipped since the sketch only indexes positive values.
func (lt *LatencyTracker) RecordSize(operation string, bytes int64) {
	if bytes <= 0 {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.sketch(lt.sizes, operation).Add(float64(bytes))
}

// RecordFunc wraps a function and records its execution time.
func (lt *LatencyTracker) RecordFunc(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.Record(operation, time.Since(start))
	return err
}

// Stats summarizes the latency distribution of one operation, plus the
// median and total payload size when sizes were recorded.
type Stats struct {
	Operation  string
	Count      int64
	Min        float64
	P50        float64
	P90        float64
	P99        float64
	Max        float64
	SizeP50    float64
	TotalBytes float64
}

// GetStats returns statistics for the given operation.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	return lt.statsLocked(operation)
}

func (lt *LatencyTracker) statsLocked(operation string) (Stats, error) {
	sketch, exists := lt.latencies[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	stats := Stats{Operation: operation}
	count := sketch.GetCount()
	if count == 0 {
		return stats, nil
	}

	stats.Count = int64(count)
	stats.Min, _ = sketch.GetMinValue()
	stats.P50, _ = sketch.GetValueAtQuantile(0.50)
	stats.P90, _ = sketch.GetValueAtQuantile(0.90)
	stats.P99, _ = sketch.GetValueAtQuantile(0.99)
	stats.Max, _ = sketch.GetMaxValue()

	if sizes, ok := lt.sizes[operation]; ok && sizes.GetCount() > 0 {
		stats.SizeP50, _ = sizes.GetValueAtQuantile(0.50)
		stats.TotalBytes = sizes.GetSum()
	}
	return stats, nil
}

// GetAllStats returns statistics for all tracked operations, sorted by name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	ops := make([]string, 0, len(lt.latencies))
	for operation := range lt.latencies {
		ops = append(ops, operation)
	}
	sort.Strings(ops)

	stats := make([]Stats, 0, len(ops))
	for _, operation := range ops {
		if stat, err := lt.statsLocked(operation); err == nil {
			stats = append(stats, stat)
		}
	}
	return stats
}

// String returns a human-readable summary.
func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	out := fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
	if s.TotalBytes > 0 {
		out += fmt.Sprintf(" size_p50=%.0fB total=%.0fB", s.SizeP50, s.TotalBytes)
	}
	return out
}
