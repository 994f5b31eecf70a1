package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExecutions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordExecutionCreated("replica_execution", "RUNNING")
	c.RecordExecutionCreated("migration", "RUNNING")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeExecutions))

	c.RecordExecutionFinished("migration", "COMPLETED", 90*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeExecutions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsFinished.WithLabelValues("migration", "COMPLETED")))

	c.RecordSanityCheckFailure("deadlock")
	c.RecordSanityCheckFailure("deadlock")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sanityFailures.WithLabelValues("deadlock")))

	n, err := testutil.GatherAndCount(reg, "conductor_execution_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollectorDispatch(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordSchedulingAttempt("success")
	c.RecordSchedulingAttempt("no_match")
	c.RecordSchedulingAttempt("no_match")
	c.RecordSchedulingDuration(150 * time.Millisecond)
	c.RecordTaskDispatched("replicate_disks", "RUNNING")
	c.RecordDispatchPoolStatus(3, 1, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.schedulingAttempts.WithLabelValues("no_match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksDispatched.WithLabelValues("replicate_disks", "RUNNING")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.dispatchPool.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchPool.WithLabelValues("busy")))

	c.RecordDispatchPoolStatus(0, 0, 4)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.dispatchPool.WithLabelValues("idle")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dispatchPool.WithLabelValues("stopped")))
}
