package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLatencyTracker(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	operations := []string{OpSendChunk, OpReadRange, OpReceive}

	for _, op := range operations {
		tracker.Record(op, 1*time.Millisecond)
		tracker.Record(op, 5*time.Millisecond)
		tracker.Record(op, 10*time.Millisecond)
		tracker.Record(op, 50*time.Millisecond)
		tracker.Record(op, 100*time.Millisecond)
	}

	for _, op := range operations {
		stats, err := tracker.GetStats(op)
		if err != nil {
			t.Errorf("Failed to get stats for %s: %v", op, err)
			continue
		}

		if stats.Count != 5 {
			t.Errorf("Expected count 5 for %s, got %d", op, stats.Count)
		}

		if stats.Min < 0.9 || stats.Min > 1.1 {
			t.Errorf("Expected min ~1ms for %s, got %.2fms", op, stats.Min)
		}

		if stats.Max < 99 || stats.Max > 101 {
			t.Errorf("Expected max ~100ms for %s, got %.2fms", op, stats.Max)
		}

		if stats.P50 < 5 || stats.P50 > 15 {
			t.Errorf("Expected p50 ~10ms for %s, got %.2fms", op, stats.P50)
		}
	}

	allStats := tracker.GetAllStats()
	if len(allStats) != len(operations) {
		t.Errorf("Expected %d operations in GetAllStats, got %d", len(operations), len(allStats))
	}
	for i := 1; i < len(allStats); i++ {
		if allStats[i-1].Operation > allStats[i].Operation {
			t.Errorf("Expected GetAllStats sorted by operation, got %s before %s",
				allStats[i-1].Operation, allStats[i].Operation)
		}
	}

	if _, err := tracker.GetStats("nonexistent"); err == nil {
		t.Error("Expected error for non-existent operation, got nil")
	}
}

func TestLatencyTrackerRecordSize(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	for _, n := range []int64{4, 4, 2, 0} {
		tracker.Record(OpSendChunk, time.Millisecond)
		tracker.RecordSize(OpSendChunk, n)
	}

	stats, err := tracker.GetStats(OpSendChunk)
	if err != nil {
		t.Fatalf("GetStats returned error: %v", err)
	}
	if stats.TotalBytes < 9.9 || stats.TotalBytes > 10.1 {
		t.Errorf("Expected total ~10 bytes, got %.2f", stats.TotalBytes)
	}
	if !strings.Contains(stats.String(), "total=10B") {
		t.Errorf("Expected size summary in %q", stats.String())
	}
}

func TestLatencyTrackerRecordFunc(t *testing.T) {
	tracker := NewLatencyTracker(0.01)
	boom := errors.New("boom")

	err := tracker.RecordFunc(OpUpload, func() error {
		time.Sleep(10 * time.Millisecond)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected RecordFunc to return fn error, got %v", err)
	}

	stats, err := tracker.GetStats(OpUpload)
	if err != nil {
		t.Fatalf("GetStats returned error: %v", err)
	}
	if stats.P50 < 9 {
		t.Errorf("Expected p50 >= ~10ms, got %.2fms", stats.P50)
	}
}

func TestStatsStringNoData(t *testing.T) {
	s := Stats{Operation: OpUpload}
	if got := s.String(); got != "  upload: no data" {
		t.Errorf("Unexpected string: %q", got)
	}
}
