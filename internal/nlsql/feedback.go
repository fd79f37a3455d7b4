package nlsql

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// FeedbackBuffer keeps the last N execution outcomes for learning.
// Appends overwrite the oldest record once the buffer is full.
type FeedbackBuffer struct {
	mu       sync.Mutex
	records  []FeedbackRecord
	next     int
	full     bool
	capacity int
}

// NewFeedbackBuffer creates a bounded feedback buffer
func NewFeedbackBuffer(capacity int) *FeedbackBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &FeedbackBuffer{
		records:  make([]FeedbackRecord, capacity),
		capacity: capacity,
	}
}

// Record appends one execution outcome
func (b *FeedbackBuffer) Record(rec FeedbackRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[b.next] = rec
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.full = true
	}
}

// Len returns the number of records held
func (b *FeedbackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length()
}

func (b *FeedbackBuffer) length() int {
	if b.full {
		return b.capacity
	}
	return b.next
}

// snapshot returns the records oldest-first
func (b *FeedbackBuffer) snapshot() []FeedbackRecord {
	n := b.length()
	out := make([]FeedbackRecord, 0, n)
	start := 0
	if b.full {
		start = b.next
	}
	for i := 0; i < n; i++ {
		out = append(out, b.records[(start+i)%b.capacity])
	}
	return out
}

// Insights aggregates the buffer: success rate, recurring failure
// patterns, the confidence gap between successes and failures, and
// the recent trend of the last ten executions against the ten before
func (b *FeedbackBuffer) Insights() *Insights {
	b.mu.Lock()
	records := b.snapshot()
	b.mu.Unlock()

	out := &Insights{Total: len(records), RecentTrend: "insufficient_data"}
	if len(records) == 0 {
		return out
	}

	var (
		successes      int
		successConfSum float64
		failureConfSum float64
		failures       int
		execTimeSum    float64
		failureCounts  = map[string]int{}
	)
	for _, rec := range records {
		execTimeSum += float64(rec.ExecutionTimeMS)
		if rec.Success {
			successes++
			successConfSum += rec.LLMConfidence
		} else {
			failures++
			failureConfSum += rec.LLMConfidence
			failureCounts[failureSignature(rec.Error)]++
		}
	}

	out.SuccessRate = float64(successes) / float64(len(records))
	out.AvgExecutionTimeMS = execTimeSum / float64(len(records))

	if successes > 0 && failures > 0 {
		out.ConfidenceGap = successConfSum/float64(successes) - failureConfSum/float64(failures)
	}

	for pattern, count := range failureCounts {
		out.TopFailures = append(out.TopFailures, FailurePattern{Pattern: pattern, Count: count})
	}
	sort.SliceStable(out.TopFailures, func(i, j int) bool {
		if out.TopFailures[i].Count != out.TopFailures[j].Count {
			return out.TopFailures[i].Count > out.TopFailures[j].Count
		}
		return out.TopFailures[i].Pattern < out.TopFailures[j].Pattern
	})
	if len(out.TopFailures) > 5 {
		out.TopFailures = out.TopFailures[:5]
	}

	out.RecentTrend = trend(records)
	return out
}

// trend compares the success rate of the last ten executions to the
// ten before them
func trend(records []FeedbackRecord) string {
	if len(records) < 20 {
		return "insufficient_data"
	}

	rate := func(window []FeedbackRecord) float64 {
		ok := 0
		for _, rec := range window {
			if rec.Success {
				ok++
			}
		}
		return float64(ok) / float64(len(window))
	}

	recent := rate(records[len(records)-10:])
	previous := rate(records[len(records)-20 : len(records)-10])

	switch {
	case recent > previous+0.1:
		return "improving"
	case recent < previous-0.1:
		return "declining"
	default:
		return "stable"
	}
}

// failureSignature collapses an error message into a recurring
// pattern key
func failureSignature(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such table") || (strings.Contains(lower, "table") && strings.Contains(lower, "does not exist")):
		return "unknown_table"
	case strings.Contains(lower, "no such column") || (strings.Contains(lower, "column") && strings.Contains(lower, "does not exist")):
		return "unknown_column"
	case strings.Contains(lower, "syntax"):
		return "syntax_error"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return "timeout"
	case strings.Contains(lower, "permission") || strings.Contains(lower, "denied"):
		return "permission_denied"
	case msg == "":
		return "unknown"
	default:
		if len(msg) > 60 {
			return msg[:60]
		}
		return msg
	}
}
