package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_GradeBands(t *testing.T) {
	tests := []struct {
		avgMS float64
		want  string
	}{
		{5, "A+"},
		{7.99, "A+"},
		{8, "A"},
		{11, "A"},
		{12, "B"},
		{15, "B"},
		{16, "C"},
		{19, "C"},
		{20, "D"},
		{29, "D"},
		{30, "F"},
		{120, "F"},
	}
	for _, tt := range tests {
		m := New()
		m.RecordRender(tt.avgMS)
		assert.Equal(t, tt.want, m.Grade(), "avg %.2fms", tt.avgMS)
	}
}

func TestMonitor_EmptyMonitorGradesClean(t *testing.T) {
	m := New()
	assert.Equal(t, "A+", m.Grade())
	assert.Zero(t, m.FrameDropRate())
	assert.Empty(t, m.Report().Issues)
}

func TestMonitor_FrameDropRate(t *testing.T) {
	m := New()
	for i := 0; i < 18; i++ {
		m.RecordRender(10)
	}
	m.RecordRender(20)
	m.RecordRender(25)

	assert.InDelta(t, 0.1, m.FrameDropRate(), 0.001)
}

func TestMonitor_RenderAtBudgetIsNotADrop(t *testing.T) {
	m := New()
	m.RecordRender(16.67)
	assert.Zero(t, m.FrameDropRate())

	m.RecordRender(16.68)
	assert.InDelta(t, 0.5, m.FrameDropRate(), 0.001)
}

func TestMonitor_ReportAggregates(t *testing.T) {
	m := New()
	m.RecordRender(10)
	m.RecordRender(14)
	m.RecordUpdate(2)
	m.RecordUpdate(4)
	m.RecordSync(120)

	r := m.Report()
	assert.Equal(t, "A", r.Grade)
	assert.InDelta(t, 12, r.AvgRenderMS, 0.001)
	assert.InDelta(t, 14, r.MaxRenderMS, 0.001)
	assert.InDelta(t, 3, r.AvgUpdateMS, 0.001)
	assert.InDelta(t, 120, r.AvgSyncMS, 0.001)
	assert.Empty(t, r.Issues)
}

func TestMonitor_ReportFlagsDroppedFrames(t *testing.T) {
	m := New()
	for i := 0; i < 9; i++ {
		m.RecordRender(5)
	}
	m.RecordRender(30)

	r := m.Report()
	require.Len(t, r.Issues, 1)
	assert.Contains(t, r.Issues[0], "frame drop rate")
}

func TestMonitor_ReportFlagsSlowRenderAndSync(t *testing.T) {
	m := New()
	m.RecordRender(40)
	m.RecordSync(800)

	r := m.Report()
	assert.Equal(t, "F", r.Grade)
	require.Len(t, r.Issues, 3)
	assert.Contains(t, r.Issues[1], "average render")
	assert.Contains(t, r.Issues[2], "sync round-trips")
}
