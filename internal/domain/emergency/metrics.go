package emergency

import (
	"context"

	"github.com/resqlink/resqlink/internal/platform/telemetry"
)

// MetricsListener counts lifecycle changes and records how long emergencies
// wait for a crew and for completion.
type MetricsListener struct {
	metrics *telemetry.Provider
}

var minuteBuckets = []float64{15, 30, 60, 120, 300, 600, 900, 1800, 3600, 7200}

func NewMetricsListener(metrics *telemetry.Provider) *MetricsListener {
	metrics.Describe("emergencies_created_total", "Emergencies reported by priority.")
	metrics.Describe("emergency_transitions_total", "Lifecycle transitions by status and actor.")
	metrics.DescribeHistogram("emergency_dispatch_seconds", "Time from report to crew acceptance.", minuteBuckets)
	metrics.DescribeHistogram("emergency_resolution_seconds", "Time from report to completion.", minuteBuckets)
	return &MetricsListener{metrics: metrics}
}

func (m *MetricsListener) OnEmergencyChange(_ context.Context, change Change) {
	e := change.Emergency
	if change.Type == ChangeCreated {
		m.metrics.Inc("emergencies_created_total", telemetry.Labels{"priority": string(e.Priority)})
		return
	}
	if change.FromStatus == e.Status {
		return
	}
	m.metrics.Inc("emergency_transitions_total", telemetry.Labels{
		"from":  string(change.FromStatus),
		"to":    string(e.Status),
		"actor": string(change.Actor),
	})

	switch {
	case e.Status == StatusAssigned && e.AssignedAt != nil:
		m.metrics.Observe("emergency_dispatch_seconds", nil, e.AssignedAt.Sub(e.CreatedAt).Seconds())
	case e.Status == StatusCompleted && e.CompletedAt != nil:
		m.metrics.Observe("emergency_resolution_seconds", nil, e.CompletedAt.Sub(e.CreatedAt).Seconds())
	}
}
