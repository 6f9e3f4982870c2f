package memory

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"selfforge/internal/dispatch"
	"selfforge/internal/logging"
)

// RecordMetric stores a single immutable data point.
func (e *Engine) RecordMetric(m Metric) (*Metric, error) {
	if m.Type == "" || m.Name == "" {
		return nil, fmt.Errorf("memory: metric type and name required")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_, err := e.db.Exec(`
		INSERT INTO metrics (id, timestamp, metric_type, metric_name, value, context)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Timestamp.UnixMilli(), m.Type, m.Name, m.Value, m.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to record metric: %w", err)
	}
	return &m, nil
}

// RecordAttempt implements dispatch.MetricRecorder, persisting each provider
// attempt as a latency metric tagged with the outcome.
func (e *Engine) RecordAttempt(attempt dispatch.AttemptMetric) {
	outcome := "success"
	if !attempt.Success {
		outcome = string(attempt.Class)
	}
	_, err := e.RecordMetric(Metric{
		Type:    "dispatch_attempt",
		Name:    attempt.Provider + "/" + attempt.Model,
		Value:   float64(attempt.LatencyMs),
		Context: outcome,
	})
	if err != nil {
		logging.MemoryDebug("Failed to persist dispatch attempt metric: %v", err)
	}
}

// QueryMetrics returns data points for a metric name within [since, until).
func (e *Engine) QueryMetrics(metricType, name string, since, until time.Time) ([]Metric, error) {
	rows, err := e.db.Query(`
		SELECT id, timestamp, metric_type, metric_name, value, context
		FROM metrics
		WHERE metric_type = ? AND metric_name = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC, rowid ASC
	`, metricType, name, since.UnixMilli(), until.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, scanMilli(&m.Timestamp), &m.Type, &m.Name, &m.Value, &m.Context); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Anomaly is one data point flagged by DetectAnomalies.
type Anomaly struct {
	Metric    Metric
	Policy    AnomalyPolicy
	Threshold float64
	Baseline  float64
}

// AnomalyQuery parameterizes DetectAnomalies.
type AnomalyQuery struct {
	MetricType string
	MetricName string
	Policy     AnomalyPolicy

	// Threshold meaning depends on the policy: an absolute value, a percent
	// deviation from the baseline mean, or a number of standard deviations.
	Threshold float64

	// Window is the evaluation span ending now; BaselineWindow is the span
	// immediately before it used for percentage and std-deviation baselines.
	Window         time.Duration
	BaselineWindow time.Duration
}

// DetectAnomalies flags data points in the window that violate the policy.
func (e *Engine) DetectAnomalies(q AnomalyQuery) ([]Anomaly, error) {
	if q.Window <= 0 {
		q.Window = DefaultBaselineWindow
	}
	if q.BaselineWindow <= 0 {
		q.BaselineWindow = DefaultBaselineWindow
	}

	now := time.Now()
	windowStart := now.Add(-q.Window)

	points, err := e.QueryMetrics(q.MetricType, q.MetricName, windowStart, now)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}

	switch q.Policy {
	case AnomalyAbsolute:
		var out []Anomaly
		for _, m := range points {
			if m.Value > q.Threshold {
				out = append(out, Anomaly{Metric: m, Policy: q.Policy, Threshold: q.Threshold})
			}
		}
		return out, nil

	case AnomalyPercentage:
		baseline, err := e.QueryMetrics(q.MetricType, q.MetricName, windowStart.Add(-q.BaselineWindow), windowStart)
		if err != nil {
			return nil, err
		}
		mean, _ := meanStddev(baseline)
		// A zero or empty baseline admits no percentage comparison.
		if len(baseline) == 0 || mean == 0 {
			return nil, nil
		}
		var out []Anomaly
		for _, m := range points {
			deviation := math.Abs(m.Value-mean) / math.Abs(mean) * 100
			if deviation > q.Threshold {
				out = append(out, Anomaly{Metric: m, Policy: q.Policy, Threshold: q.Threshold, Baseline: mean})
			}
		}
		return out, nil

	case AnomalyStdDeviation:
		baseline, err := e.QueryMetrics(q.MetricType, q.MetricName, windowStart.Add(-q.BaselineWindow), windowStart)
		if err != nil {
			return nil, err
		}
		mean, stddev := meanStddev(baseline)
		if len(baseline) == 0 || stddev == 0 {
			return nil, nil
		}
		var out []Anomaly
		for _, m := range points {
			if math.Abs(m.Value-mean) > q.Threshold*stddev {
				out = append(out, Anomaly{Metric: m, Policy: q.Policy, Threshold: q.Threshold, Baseline: mean})
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("memory: unknown anomaly policy %q", q.Policy)
	}
}

func meanStddev(points []Metric) (mean, stddev float64) {
	if len(points) == 0 {
		return 0, 0
	}
	var sum float64
	for _, m := range points {
		sum += m.Value
	}
	mean = sum / float64(len(points))

	var sq float64
	for _, m := range points {
		d := m.Value - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(points)))
	return mean, stddev
}
