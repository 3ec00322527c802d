package metrics

import (
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gatherValue(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !matchLabels(m, labels) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			if m.GetHistogram() != nil {
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestCollectorRecordsOperations(t *testing.T) {
	c := NewCollector("test")

	c.RecordOperation("request_call", 20*time.Millisecond, nil)
	c.RecordOperation("request_call", 30*time.Millisecond, nil)
	c.RecordOperation("request_call", time.Second, errors.New("boom"))
	c.RecordOperationRetry("request_call")

	if got := gatherValue(t, c, "test_operation_total", map[string]string{"operation": "request_call", "result": "success"}); got != 2 {
		t.Errorf("success total = %v, want 2", got)
	}
	if got := gatherValue(t, c, "test_operation_total", map[string]string{"operation": "request_call", "result": "error"}); got != 1 {
		t.Errorf("error total = %v, want 1", got)
	}
	if got := gatherValue(t, c, "test_operation_duration_seconds", map[string]string{"operation": "request_call"}); got != 3 {
		t.Errorf("latency samples = %v, want 3", got)
	}
	if got := gatherValue(t, c, "test_operation_retries_total", map[string]string{"operation": "request_call"}); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
}

func TestCollectorRecordsOptimisticState(t *testing.T) {
	c := NewCollector("test")

	c.RecordOptimisticApplied("respond_co_host")
	c.RecordRollback("timeout")
	c.RecordRollback("timeout")
	c.RecordRollback("rejected")
	c.RecordCapacityRefusal()
	c.RecordExpiry("call_request")

	if got := gatherValue(t, c, "test_optimistic_applied_total", map[string]string{"operation": "respond_co_host"}); got != 1 {
		t.Errorf("applied = %v, want 1", got)
	}
	if got := gatherValue(t, c, "test_optimistic_rollbacks_total", map[string]string{"reason": "timeout"}); got != 2 {
		t.Errorf("timeout rollbacks = %v, want 2", got)
	}
	if got := gatherValue(t, c, "test_optimistic_capacity_refusals_total", nil); got != 1 {
		t.Errorf("capacity refusals = %v, want 1", got)
	}
	if got := gatherValue(t, c, "test_optimistic_expiries_total", map[string]string{"kind": "call_request"}); got != 1 {
		t.Errorf("expiries = %v, want 1", got)
	}
}

func TestCollectorRecordsReconciliation(t *testing.T) {
	c := NewCollector("test")

	c.RecordPushEvent("co_host_joined", "applied")
	c.RecordPushEvent("co_host_joined", "stale")
	c.RecordRefresh(true)
	c.RecordRefresh(false)
	c.RecordRefresh(false)

	if got := gatherValue(t, c, "test_reconcile_push_events_total", map[string]string{"type": "co_host_joined", "result": "stale"}); got != 1 {
		t.Errorf("stale pushes = %v, want 1", got)
	}
	if got := gatherValue(t, c, "test_reconcile_refresh_total", map[string]string{"result": "limited"}); got != 2 {
		t.Errorf("limited refreshes = %v, want 2", got)
	}
	if got := gatherValue(t, c, "test_reconcile_refresh_total", map[string]string{"result": "allowed"}); got != 1 {
		t.Errorf("allowed refreshes = %v, want 1", got)
	}
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector("test")

	c.RecordQueueDepth("stream:s1", 3)
	c.SetActiveScopes(2)
	if got := gatherValue(t, c, "test_operation_queue_depth", map[string]string{"scope": "stream:s1"}); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}
	if got := gatherValue(t, c, "test_active_scopes", nil); got != 2 {
		t.Errorf("active scopes = %v, want 2", got)
	}

	c.Reset()
	if got := gatherValue(t, c, "test_active_scopes", nil); got != 0 {
		t.Errorf("active scopes after reset = %v, want 0", got)
	}
}

func TestCollectorDefaultNamespace(t *testing.T) {
	c := NewCollector("")
	c.RecordReconnect()
	if got := gatherValue(t, c, "coordination_channel_reconnects_total", nil); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
}

func TestNoOpCollector(t *testing.T) {
	var c MetricsCollector = NewNoOpCollector()

	// All methods must be safe to call.
	c.RecordOperation("x", time.Second, nil)
	c.RecordOperationRetry("x")
	c.RecordQueueDepth("s", 1)
	c.RecordQueueRejection("busy")
	c.RecordOptimisticApplied("x")
	c.RecordRollback("timeout")
	c.RecordCapacityRefusal()
	c.RecordExpiry("call_request")
	c.RecordPushEvent("co_host_joined", "applied")
	c.RecordRefresh(true)
	c.RecordReconnect()
	c.RecordNotification("failure")
	c.SetActiveScopes(1)
	c.UpdateUptime()
	c.Reset()
}
