package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistered(t *testing.T) {
	tests := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"TasksFinishedTotal", TasksFinishedTotal},
		{"TasksClaimedTotal", TasksClaimedTotal},
		{"DeliveryAttemptsTotal", DeliveryAttemptsTotal},
		{"ProcessDurationSeconds", ProcessDurationSeconds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, tt.metric)
		})
	}
}

func TestTasksFinishedIncrement(t *testing.T) {
	before := testutil.ToFloat64(TasksFinishedTotal.WithLabelValues("success"))
	TasksFinishedTotal.WithLabelValues("success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TasksFinishedTotal.WithLabelValues("success")))
}

func TestProcessDurationObserve(t *testing.T) {
	ProcessDurationSeconds.Observe(0.25)
	ProcessDurationSeconds.Observe(1.5)
}
