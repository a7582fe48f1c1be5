package automation

import (
	"sort"
	"time"
)

const (
	maxRecentExecutions = 50
	maxErrorKeyLength   = 100
	maxErrorKinds       = 20
)

// Metrics is the running aggregate of a rule's completed executions.
type Metrics struct {
	TotalExecutions      int     `json:"total_executions"`
	SuccessfulExecutions int     `json:"successful_executions"`
	FailedExecutions     int     `json:"failed_executions"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	SuccessRate          float64 `json:"success_rate"` // percent

	TotalDurationMS   int64 `json:"total_duration_ms"`
	AverageDurationMS int64 `json:"average_duration_ms"`
	MinDurationMS     int64 `json:"min_duration_ms"`
	MaxDurationMS     int64 `json:"max_duration_ms"`

	LastExecutedAt       *time.Time `json:"last_executed_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastExecutionSuccess bool       `json:"last_execution_success"`
	LastExecutionMessage string     `json:"last_execution_message,omitempty"`

	ErrorCounts      map[string]int `json:"error_counts,omitempty"`
	RecentExecutions []time.Time    `json:"recent_executions,omitempty"`
}

// Record folds a finished execution into the aggregate.
func (m *Metrics) Record(exec *Execution) {
	started := exec.CreatedAt
	if exec.StartedAt != nil {
		started = *exec.StartedAt
	}
	var duration int64
	if exec.DurationMS != nil {
		duration = *exec.DurationMS
	}

	m.TotalExecutions++
	if exec.Success {
		m.SuccessfulExecutions++
		m.ConsecutiveFailures = 0
		m.LastSuccessAt = &started
	} else {
		m.FailedExecutions++
		m.ConsecutiveFailures++
		m.LastFailureAt = &started
		m.countError(exec.Message)
	}
	m.SuccessRate = percent(m.SuccessfulExecutions, m.TotalExecutions)

	m.TotalDurationMS += duration
	m.AverageDurationMS = m.TotalDurationMS / int64(m.TotalExecutions)
	if m.TotalExecutions == 1 || duration < m.MinDurationMS {
		m.MinDurationMS = duration
	}
	if duration > m.MaxDurationMS {
		m.MaxDurationMS = duration
	}

	last := started
	m.LastExecutedAt = &last
	m.LastExecutionSuccess = exec.Success
	m.LastExecutionMessage = exec.Message

	m.RecentExecutions = append(m.RecentExecutions, started)
	if n := len(m.RecentExecutions); n > maxRecentExecutions {
		m.RecentExecutions = append([]time.Time(nil), m.RecentExecutions[n-maxRecentExecutions:]...)
	}
}

func (m *Metrics) countError(msg string) {
	if msg == "" {
		return
	}
	if len(msg) > maxErrorKeyLength {
		msg = msg[:maxErrorKeyLength] + "..."
	}
	if m.ErrorCounts == nil {
		m.ErrorCounts = make(map[string]int)
	}
	if _, ok := m.ErrorCounts[msg]; !ok && len(m.ErrorCounts) >= maxErrorKinds {
		return
	}
	m.ErrorCounts[msg]++
}

// ErrorCount pairs an error message with how often it occurred.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// TopErrors returns the n most frequent error messages.
func (m *Metrics) TopErrors(n int) []ErrorCount {
	out := make([]ErrorCount, 0, len(m.ErrorCounts))
	for msg, count := range m.ErrorCounts {
		out = append(out, ErrorCount{Message: msg, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// HealthLevel buckets a health score.
type HealthLevel string

const (
	HealthExcellent HealthLevel = "excellent"
	HealthGood      HealthLevel = "good"
	HealthFair      HealthLevel = "fair"
	HealthPoor      HealthLevel = "poor"
	HealthCritical  HealthLevel = "critical"
	HealthUnknown   HealthLevel = "unknown"
)

// HealthScore is a 0-100 rating of a rule's recent reliability.
type HealthScore struct {
	Score float64     `json:"score"`
	Level HealthLevel `json:"level"`
}

// HealthScore derives a score from success rate, failure streak and duration.
// A rule that never ran reports HealthUnknown with a full score.
func (m *Metrics) HealthScore() HealthScore {
	if m.TotalExecutions == 0 {
		return HealthScore{Score: 100, Level: HealthUnknown}
	}

	score := 100.0
	if m.SuccessRate < 95 {
		score -= (95 - m.SuccessRate) * 2
	}
	if m.SuccessRate < 80 {
		score -= 20
	}
	if m.SuccessRate < 50 {
		score -= 40
	}
	if m.ConsecutiveFailures > 3 {
		score -= float64(m.ConsecutiveFailures) * 5
	}
	avg := time.Duration(m.AverageDurationMS) * time.Millisecond
	if avg > 5*time.Minute {
		score -= 10
	}
	if avg > 15*time.Minute {
		score -= 20
	}
	score = max(0, min(100, score))

	var level HealthLevel
	switch {
	case score >= 90:
		level = HealthExcellent
	case score >= 80:
		level = HealthGood
	case score >= 60:
		level = HealthFair
	case score >= 40:
		level = HealthPoor
	default:
		level = HealthCritical
	}
	return HealthScore{Score: score, Level: level}
}

func (m Metrics) clone() Metrics {
	cpy := m
	cpy.LastExecutedAt = cloneTimePtr(m.LastExecutedAt)
	cpy.LastSuccessAt = cloneTimePtr(m.LastSuccessAt)
	cpy.LastFailureAt = cloneTimePtr(m.LastFailureAt)
	if m.ErrorCounts != nil {
		cpy.ErrorCounts = make(map[string]int, len(m.ErrorCounts))
		for k, v := range m.ErrorCounts {
			cpy.ErrorCounts[k] = v
		}
	}
	if m.RecentExecutions != nil {
		cpy.RecentExecutions = append([]time.Time(nil), m.RecentExecutions...)
	}
	return cpy
}

// percent returns part/total as a percentage, 0 when total is 0.
func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
