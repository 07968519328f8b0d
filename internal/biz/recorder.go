package biz

import (
	"sort"
	"sync"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/pkg/clock"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultRecorderBufferSize  = 200
	defaultCriticalSuccessRate = 0.8
	maxRecentErrors            = 5
)

// OperationRecord is one terminal outcome of a tracked operation.
type OperationRecord struct {
	Operation    string
	StartedAt    time.Time
	Duration     time.Duration
	Success      bool
	ErrorMessage string
}

// OperationStats aggregates the retained records of one operation.
type OperationStats struct {
	Operation     string    `json:"operation"`
	TotalCalls    int       `json:"total_calls"`
	SuccessRate   float64   `json:"success_rate"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	MinDurationMs float64   `json:"min_duration_ms"`
	MaxDurationMs float64   `json:"max_duration_ms"`
	LastCallAt    time.Time `json:"last_call_at,omitempty"`
	RecentErrors  []string  `json:"recent_errors"`
}

// PerformanceOverview aggregates every retained record.
type PerformanceOverview struct {
	OverallSuccessRate    float64  `json:"overall_success_rate"`
	AverageResponseTimeMs float64  `json:"average_response_time_ms"`
	TotalOperations       int      `json:"total_operations"`
	CriticalOperations    []string `json:"critical_operations"`
}

// ringBuffer keeps the newest records of one operation, oldest overwritten first.
type ringBuffer struct {
	records []OperationRecord
	next    int
	full    bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{records: make([]OperationRecord, capacity)}
}

func (r *ringBuffer) add(rec OperationRecord) {
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringBuffer) len() int {
	if r.full {
		return len(r.records)
	}
	return r.next
}

// newestFirst calls fn from the most recent record backwards until fn returns false.
func (r *ringBuffer) newestFirst(fn func(OperationRecord) bool) {
	n := r.len()
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.records)) % len(r.records)
		if !fn(r.records[idx]) {
			return
		}
	}
}

// PerformanceRecorder keeps a bounded window of outcomes per operation.
// Process lifetime only.
type PerformanceRecorder struct {
	mu           sync.RWMutex
	buffers      map[string]*ringBuffer
	capacity     int
	criticalRate float64
	slow         time.Duration
	clock        clock.Clock
	logger       *log.Helper
}

// NewPerformanceRecorder creates a recorder from the resilience configuration.
func NewPerformanceRecorder(c *conf.Resilience, clk clock.Clock, logger log.Logger) *PerformanceRecorder {
	r := &PerformanceRecorder{
		buffers:      make(map[string]*ringBuffer),
		capacity:     defaultRecorderBufferSize,
		criticalRate: defaultCriticalSuccessRate,
		clock:        clk,
		logger:       log.NewHelper(log.With(logger, "module", "biz/recorder")),
	}
	if c != nil && c.Recorder != nil {
		if c.Recorder.BufferSize > 0 {
			r.capacity = c.Recorder.BufferSize
		}
		if c.Recorder.CriticalSuccessRate > 0 {
			r.criticalRate = c.Recorder.CriticalSuccessRate
		}
		r.slow = c.Recorder.SlowThreshold
	}
	return r
}

// Record appends one terminal outcome for operation.
func (r *PerformanceRecorder) Record(operation string, duration time.Duration, success bool, errorMessage string) {
	if duration < 0 {
		duration = 0
	}
	rec := OperationRecord{
		Operation:    operation,
		StartedAt:    r.clock.Now().Add(-duration),
		Duration:     duration,
		Success:      success,
		ErrorMessage: errorMessage,
	}

	r.mu.Lock()
	buf, ok := r.buffers[operation]
	if !ok {
		buf = newRingBuffer(r.capacity)
		r.buffers[operation] = buf
	}
	buf.add(rec)
	r.mu.Unlock()

	if r.slow > 0 && duration > r.slow {
		r.logger.Warnw("msg", "slow operation",
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
			"success", success)
	}
}

// StatsFor aggregates the retained window of operation. An operation with
// no records reports a success rate of 1.
func (r *PerformanceRecorder) StatsFor(operation string) OperationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buf, ok := r.buffers[operation]
	if !ok || buf.len() == 0 {
		return OperationStats{Operation: operation, SuccessRate: 1, RecentErrors: []string{}}
	}
	return r.statsLocked(operation, buf)
}

func (r *PerformanceRecorder) statsLocked(operation string, buf *ringBuffer) OperationStats {
	stats := OperationStats{Operation: operation, RecentErrors: []string{}}

	var total, successes int
	var sum, minD, maxD time.Duration
	buf.newestFirst(func(rec OperationRecord) bool {
		if total == 0 {
			stats.LastCallAt = rec.StartedAt
			minD, maxD = rec.Duration, rec.Duration
		}
		total++
		sum += rec.Duration
		if rec.Duration < minD {
			minD = rec.Duration
		}
		if rec.Duration > maxD {
			maxD = rec.Duration
		}
		if rec.Success {
			successes++
		} else if len(stats.RecentErrors) < maxRecentErrors {
			stats.RecentErrors = append(stats.RecentErrors, rec.ErrorMessage)
		}
		return true
	})

	stats.TotalCalls = total
	stats.SuccessRate = float64(successes) / float64(total)
	stats.AvgDurationMs = durationMs(sum) / float64(total)
	stats.MinDurationMs = durationMs(minD)
	stats.MaxDurationMs = durationMs(maxD)
	return stats
}

// Overview aggregates every retained record. An empty recorder reports an
// overall success rate of 1.
func (r *PerformanceRecorder) Overview() PerformanceOverview {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ov := PerformanceOverview{OverallSuccessRate: 1, CriticalOperations: []string{}}

	var total, successes int
	var sum time.Duration
	for operation, buf := range r.buffers {
		n := buf.len()
		if n == 0 {
			continue
		}
		opSuccesses := 0
		buf.newestFirst(func(rec OperationRecord) bool {
			sum += rec.Duration
			if rec.Success {
				opSuccesses++
			}
			return true
		})
		total += n
		successes += opSuccesses
		if float64(opSuccesses)/float64(n) < r.criticalRate {
			ov.CriticalOperations = append(ov.CriticalOperations, operation)
		}
	}

	if total > 0 {
		ov.TotalOperations = total
		ov.OverallSuccessRate = float64(successes) / float64(total)
		ov.AverageResponseTimeMs = durationMs(sum) / float64(total)
	}
	sort.Strings(ov.CriticalOperations)
	return ov
}

// Operations lists every operation with at least one record, sorted.
func (r *PerformanceRecorder) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.buffers))
	for op := range r.buffers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Clear drops every record.
func (r *PerformanceRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = make(map[string]*ringBuffer)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
