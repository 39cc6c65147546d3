package engine

import (
	"sync"
	"time"

	"github.com/driptide/driptide/core"
)

// Metrics tracks execution and step outcomes for the engine.
type Metrics struct {
	mu          sync.RWMutex
	started     int64
	completed   int64
	failed      int64
	cancelled   int64
	suspended   int64
	resumed     int64
	duplicates  int64
	totalTime   time.Duration
	stepMetrics map[string]*StepMetrics
}

// StepMetrics tracks metrics for individual steps.
type StepMetrics struct {
	Executions int64
	Successful int64
	Failed     int64
	TotalTime  time.Duration
	MinTime    time.Duration
	MaxTime    time.Duration
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{stepMetrics: make(map[string]*StepMetrics)}
}

// RecordStarted counts a newly created execution.
func (m *Metrics) RecordStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

// RecordDuplicate counts a trigger firing squashed onto an existing
// execution.
func (m *Metrics) RecordDuplicate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates++
}

// RecordSuspension counts a delay suspension.
func (m *Metrics) RecordSuspension() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended++
}

// RecordResume counts a delay-driven resume.
func (m *Metrics) RecordResume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed++
}

// RecordFinished counts an execution reaching a terminal status.
func (m *Metrics) RecordFinished(status core.ExecutionStatus, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch status {
	case core.ExecutionCompleted:
		m.completed++
	case core.ExecutionFailed:
		m.failed++
	case core.ExecutionCancelled:
		m.cancelled++
	}
	m.totalTime += duration
}

// RecordStep records one step execution.
func (m *Metrics) RecordStep(stepID string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, exists := m.stepMetrics[stepID]
	if !exists {
		metrics = &StepMetrics{MinTime: time.Hour * 24 * 365}
		m.stepMetrics[stepID] = metrics
	}

	metrics.Executions++
	if success {
		metrics.Successful++
	} else {
		metrics.Failed++
	}
	metrics.TotalTime += duration
	if duration < metrics.MinTime {
		metrics.MinTime = duration
	}
	if duration > metrics.MaxTime {
		metrics.MaxTime = duration
	}
}

// Snapshot returns a point-in-time view of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Started:     m.started,
		Completed:   m.completed,
		Failed:      m.failed,
		Cancelled:   m.cancelled,
		Suspended:   m.suspended,
		Resumed:     m.resumed,
		Duplicates:  m.duplicates,
		StepMetrics: make(map[string]StepMetricsSnapshot, len(m.stepMetrics)),
	}

	finished := m.completed + m.failed + m.cancelled
	if finished > 0 {
		snapshot.SuccessRate = float64(m.completed) / float64(finished)
		snapshot.AverageTime = m.totalTime / time.Duration(finished)
	}

	for stepID, metrics := range m.stepMetrics {
		step := StepMetricsSnapshot{
			Executions: metrics.Executions,
			Successful: metrics.Successful,
			Failed:     metrics.Failed,
			MinTime:    metrics.MinTime,
			MaxTime:    metrics.MaxTime,
		}
		if metrics.Executions > 0 {
			step.SuccessRate = float64(metrics.Successful) / float64(metrics.Executions)
			step.AverageTime = metrics.TotalTime / time.Duration(metrics.Executions)
		}
		snapshot.StepMetrics[stepID] = step
	}
	return snapshot
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = 0
	m.completed = 0
	m.failed = 0
	m.cancelled = 0
	m.suspended = 0
	m.resumed = 0
	m.duplicates = 0
	m.totalTime = 0
	m.stepMetrics = make(map[string]*StepMetrics)
}

// MetricsSnapshot represents a point-in-time view of engine metrics.
type MetricsSnapshot struct {
	Started     int64                          `json:"started"`
	Completed   int64                          `json:"completed"`
	Failed      int64                          `json:"failed"`
	Cancelled   int64                          `json:"cancelled"`
	Suspended   int64                          `json:"suspended"`
	Resumed     int64                          `json:"resumed"`
	Duplicates  int64                          `json:"duplicates"`
	SuccessRate float64                        `json:"success_rate"`
	AverageTime time.Duration                  `json:"average_time"`
	StepMetrics map[string]StepMetricsSnapshot `json:"step_metrics"`
}

// StepMetricsSnapshot represents step metrics at a point in time.
type StepMetricsSnapshot struct {
	Executions  int64         `json:"executions"`
	Successful  int64         `json:"successful"`
	Failed      int64         `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	AverageTime time.Duration `json:"average_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
}
