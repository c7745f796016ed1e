package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.events, "events counter should be initialized")
	assert.NotNil(t, collector.dispatches, "dispatches counter should be initialized")
	assert.NotNil(t, collector.resets, "resets counter should be initialized")
	assert.NotNil(t, collector.finished, "finished counter should be initialized")
	assert.NotNil(t, collector.failed, "failed counter should be initialized")
	assert.NotNil(t, collector.executeDuration, "executeDuration histogram should be initialized")
	assert.NotNil(t, collector.recovery, "recovery gauge should be initialized")
	assert.NotNil(t, collector.clientsConnected, "clientsConnected gauge should be initialized")
	assert.NotNil(t, collector.nodesPending, "nodesPending gauge should be initialized")
	assert.NotNil(t, collector.nodesExecuting, "nodesExecuting gauge should be initialized")
}

func TestRecordEvent(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordEvent("RESOURCE", "remote")
	}, "RecordEvent should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordEvent("EXECUTE_ACK", "local")
	}
}

func TestRecordDispatch(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordDispatch()
	}, "RecordDispatch should not panic")

	for i := 0; i < 10; i++ {
		collector.RecordDispatch()
	}
}

func TestRecordFinished(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	// Span the histogram buckets
	durations := []time.Duration{
		time.Millisecond,
		10 * time.Millisecond,
		100 * time.Millisecond,
		time.Second,
		5 * time.Second,
	}

	for _, d := range durations {
		assert.NotPanics(t, func() {
			collector.RecordFinished(d)
		}, "RecordFinished should not panic with duration %v", d)
	}
}

func TestRecordFailed(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordFailed()
	}, "RecordFailed should not panic")

	for i := 0; i < 3; i++ {
		collector.RecordFailed()
	}
}

func TestSetRecoverySeconds(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	recoveryTimes := []float64{0.001, 0.5, 1.5, 3.0}

	for _, rt := range recoveryTimes {
		assert.NotPanics(t, func() {
			collector.SetRecoverySeconds(rt)
		}, "SetRecoverySeconds should not panic with time %f", rt)
	}
}

func TestUpdateFlowStats(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	testCases := []struct {
		name      string
		pending   int
		executing int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 5},
		{"high pending", 100, 8},
		{"high executing", 5, 50},
		{"equal values", 20, 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.UpdateFlowStats(tc.pending, tc.executing)
			}, "UpdateFlowStats should not panic")
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	// Prometheus instruments must tolerate concurrent updates
	done := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordEvent("RESOURCE_ACK", "remote")
			collector.RecordDispatch()
			collector.RecordFinished(100 * time.Millisecond)
			collector.UpdateFlowStats(10, 5)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestNilCollector(t *testing.T) {
	// Instrumentation is optional on the client side; a nil collector
	// must absorb every record call.
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordEvent("RESOURCE", "remote")
		collector.RecordDispatch()
		collector.RecordReset()
		collector.RecordFinished(time.Second)
		collector.RecordFailed()
		collector.SetRecoverySeconds(1.0)
		collector.SetClientsConnected(3)
		collector.UpdateFlowStats(10, 5)
	}, "nil collector should absorb all record calls")
}

func TestCollectorIsolation(t *testing.T) {
	// Separate registries keep collectors independent, so a server and
	// several clients can share a process.
	collector1 := NewCollector(prometheus.NewRegistry())
	require.NotNil(t, collector1)

	collector2 := NewCollector(prometheus.NewRegistry())
	require.NotNil(t, collector2)

	// The same registry refuses a second registration.
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() {
		NewCollector(reg)
	}, "registering twice against one registry should panic")
}

func TestMetricOperationSequence(t *testing.T) {
	// A typical node lifecycle as the server observes it
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		// 1. Node waiting for a client
		collector.UpdateFlowStats(1, 0)

		// 2. Node dispatched
		collector.RecordDispatch()
		collector.RecordEvent("RESOURCE", "local")
		collector.UpdateFlowStats(0, 1)

		// 3. Node finished
		collector.RecordEvent("EXECUTE_ACK", "remote")
		collector.RecordFinished(500 * time.Millisecond)
		collector.UpdateFlowStats(0, 0)
	}, "complete node lifecycle should not panic")
}

func TestMetricOperationWithFailure(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		// 1. Node dispatched
		collector.RecordDispatch()

		// 2. Attempt torn down
		collector.RecordReset()

		// 3. Retry budget exhausted
		collector.RecordFailed()
	}, "failure scenario should not panic")
}

func TestZeroAndNegativeValues(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		collector.RecordFinished(0)       // zero latency
		collector.SetRecoverySeconds(0.0) // zero recovery time
		collector.UpdateFlowStats(0, 0)   // idle scheduler
		collector.UpdateFlowStats(-1, -1) // negative values (shouldn't happen)
		collector.SetClientsConnected(0)  // no clients
	}, "edge case values should not panic")
}
