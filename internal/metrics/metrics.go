// Package metrics provides a simple Prometheus-compatible metrics endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds runtime counters for the coordination server.
type Metrics struct {
	// Plan cycle outcomes
	PlanSteps        atomic.Int64
	PlanFailures     atomic.Int64
	InvalidActions   atomic.Int64
	DeadlineExceeded atomic.Int64

	// Task lifecycle
	TasksAdmitted atomic.Int64
	TasksFinished atomic.Int64

	// Sessions
	SessionStarts atomic.Int64
	SessionResets atomic.Int64

	// Timing (last plan call duration in ms)
	LastPlanDurationMs atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{
			startTime: time.Now(),
		}
	})
	return global
}

// RecordPlanStep records one plan cycle and its outcome.
func (m *Metrics) RecordPlanStep(substituted bool, durationMs int64) {
	m.PlanSteps.Add(1)
	if substituted {
		m.PlanFailures.Add(1)
	}
	m.LastPlanDurationMs.Store(durationMs)
}

// RecordInvalidAction records a joint action rejected by the validity gate.
func (m *Metrics) RecordInvalidAction() {
	m.InvalidActions.Add(1)
}

// RecordDeadline records a planner call cut off by its budget.
func (m *Metrics) RecordDeadline() {
	m.DeadlineExceeded.Add(1)
}

// RecordTaskAdmitted records a task entering the queue.
func (m *Metrics) RecordTaskAdmitted() {
	m.TasksAdmitted.Add(1)
}

// RecordTaskFinished records a delivered task.
func (m *Metrics) RecordTaskFinished() {
	m.TasksFinished.Add(1)
}

// RecordSessionStart records a session bootstrap.
func (m *Metrics) RecordSessionStart() {
	m.SessionStarts.Add(1)
}

// RecordSessionReset records a session reset.
func (m *Metrics) RecordSessionReset() {
	m.SessionResets.Add(1)
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		uptime := time.Since(m.startTime).Seconds()

		fmt.Fprintf(w, "# HELP mapfd_uptime_seconds Time since the server started\n")
		fmt.Fprintf(w, "# TYPE mapfd_uptime_seconds gauge\n")
		fmt.Fprintf(w, "mapfd_uptime_seconds %.2f\n\n", uptime)

		fmt.Fprintf(w, "# HELP mapfd_plan_steps_total Total plan cycles\n")
		fmt.Fprintf(w, "# TYPE mapfd_plan_steps_total counter\n")
		fmt.Fprintf(w, "mapfd_plan_steps_total %d\n\n", m.PlanSteps.Load())

		fmt.Fprintf(w, "# HELP mapfd_plan_failures_total Plan cycles substituted with waits\n")
		fmt.Fprintf(w, "# TYPE mapfd_plan_failures_total counter\n")
		fmt.Fprintf(w, "mapfd_plan_failures_total %d\n\n", m.PlanFailures.Load())

		fmt.Fprintf(w, "# HELP mapfd_invalid_actions_total Joint actions rejected by the validity gate\n")
		fmt.Fprintf(w, "# TYPE mapfd_invalid_actions_total counter\n")
		fmt.Fprintf(w, "mapfd_invalid_actions_total %d\n\n", m.InvalidActions.Load())

		fmt.Fprintf(w, "# HELP mapfd_deadline_exceeded_total Planner calls cut off by the budget\n")
		fmt.Fprintf(w, "# TYPE mapfd_deadline_exceeded_total counter\n")
		fmt.Fprintf(w, "mapfd_deadline_exceeded_total %d\n\n", m.DeadlineExceeded.Load())

		fmt.Fprintf(w, "# HELP mapfd_tasks_admitted_total Tasks admitted to the queue\n")
		fmt.Fprintf(w, "# TYPE mapfd_tasks_admitted_total counter\n")
		fmt.Fprintf(w, "mapfd_tasks_admitted_total %d\n\n", m.TasksAdmitted.Load())

		fmt.Fprintf(w, "# HELP mapfd_tasks_finished_total Tasks delivered\n")
		fmt.Fprintf(w, "# TYPE mapfd_tasks_finished_total counter\n")
		fmt.Fprintf(w, "mapfd_tasks_finished_total %d\n\n", m.TasksFinished.Load())

		fmt.Fprintf(w, "# HELP mapfd_session_starts_total Sessions bootstrapped\n")
		fmt.Fprintf(w, "# TYPE mapfd_session_starts_total counter\n")
		fmt.Fprintf(w, "mapfd_session_starts_total %d\n\n", m.SessionStarts.Load())

		fmt.Fprintf(w, "# HELP mapfd_session_resets_total Sessions reset\n")
		fmt.Fprintf(w, "# TYPE mapfd_session_resets_total counter\n")
		fmt.Fprintf(w, "mapfd_session_resets_total %d\n\n", m.SessionResets.Load())

		fmt.Fprintf(w, "# HELP mapfd_last_plan_duration_ms Last plan call duration\n")
		fmt.Fprintf(w, "# TYPE mapfd_last_plan_duration_ms gauge\n")
		fmt.Fprintf(w, "mapfd_last_plan_duration_ms %d\n", m.LastPlanDurationMs.Load())
	}
}
