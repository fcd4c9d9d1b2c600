// Package perf accumulates render, update, and sync timings and grades
// them. The monitor only observes; any adaptive throttling based on its
// grade is the caller's decision.
package perf

import (
	"fmt"
	"sync"
)

// frameBudgetMS is the 60fps frame budget. A render above it counts as a
// dropped frame.
const frameBudgetMS = 16.67

// reportableDropRate is the frame-drop ratio above which the report flags
// an issue.
const reportableDropRate = 0.05

// stats is a running accumulator for one timing series.
type stats struct {
	count int64
	sum   float64
	max   float64
	min   float64
}

func (s *stats) record(ms float64) {
	if s.count == 0 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
	s.count++
	s.sum += ms
}

func (s *stats) avg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// Monitor accumulates timing samples.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	render stats
	update stats
	sync   stats
	drops  int64
}

// New creates an empty monitor.
func New() *Monitor { return &Monitor{} }

// RecordRender records one render duration in milliseconds.
func (m *Monitor) RecordRender(ms float64) {
	m.mu.Lock()
	m.render.record(ms)
	if ms > frameBudgetMS {
		m.drops++
	}
	m.mu.Unlock()
}

// RecordUpdate records one state-update duration in milliseconds.
func (m *Monitor) RecordUpdate(ms float64) {
	m.mu.Lock()
	m.update.record(ms)
	m.mu.Unlock()
}

// RecordSync records one sync round-trip duration in milliseconds.
func (m *Monitor) RecordSync(ms float64) {
	m.mu.Lock()
	m.sync.record(ms)
	m.mu.Unlock()
}

// Grade maps the average render time to a letter grade.
func (m *Monitor) Grade() string {
	m.mu.Lock()
	avg := m.render.avg()
	m.mu.Unlock()
	switch {
	case avg < 8:
		return "A+"
	case avg < 12:
		return "A"
	case avg < 16:
		return "B"
	case avg < 20:
		return "C"
	case avg < 30:
		return "D"
	default:
		return "F"
	}
}

// FrameDropRate returns the share of renders exceeding the frame budget.
func (m *Monitor) FrameDropRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.render.count == 0 {
		return 0
	}
	return float64(m.drops) / float64(m.render.count)
}

// Report is a point-in-time performance summary.
type Report struct {
	Grade         string
	AvgRenderMS   float64
	MaxRenderMS   float64
	AvgUpdateMS   float64
	AvgSyncMS     float64
	FrameDropRate float64
	Issues        []string
}

// Report summarizes the collected samples with actionable findings.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	r := Report{
		AvgRenderMS: m.render.avg(),
		MaxRenderMS: m.render.max,
		AvgUpdateMS: m.update.avg(),
		AvgSyncMS:   m.sync.avg(),
	}
	renderCount := m.render.count
	drops := m.drops
	m.mu.Unlock()

	r.Grade = m.Grade()
	if renderCount > 0 {
		r.FrameDropRate = float64(drops) / float64(renderCount)
	}
	if r.FrameDropRate > reportableDropRate {
		r.Issues = append(r.Issues, fmt.Sprintf(
			"frame drop rate %.1f%% exceeds %.0f%%: consider disabling instant-render mode",
			r.FrameDropRate*100, reportableDropRate*100))
	}
	if r.AvgRenderMS >= 16 {
		r.Issues = append(r.Issues,
			"average render above the 60fps budget: reduce visible element count or batch style changes")
	}
	if r.AvgSyncMS >= 500 {
		r.Issues = append(r.Issues,
			"sync round-trips above 500ms: expect delayed remote cursors and larger conflict windows")
	}
	return r
}
