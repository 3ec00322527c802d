// Package metrics provides coordination-specific metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for
// coordinator operations, optimistic state management, rate limiting,
// and realtime channel health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides coordination metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Operation metrics
	operationTotal   *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	operationRetries *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	queueRejections  *prometheus.CounterVec

	// Optimistic state metrics
	optimisticApplied *prometheus.CounterVec
	rollbacks         *prometheus.CounterVec
	capacityRefusals  prometheus.Counter
	entityExpiries    *prometheus.CounterVec

	// Reconciliation metrics
	pushEvents   *prometheus.CounterVec
	refreshTotal *prometheus.CounterVec

	// Channel metrics
	reconnects    prometheus.Counter
	notifications *prometheus.CounterVec
	activeScopes  prometheus.Gauge

	startTime time.Time
	uptime    prometheus.Gauge
}

// NewCollector creates a new coordination metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "coordination"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	// Operation metrics
	c.operationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "total",
			Help:      "Total number of coordinator operations",
		},
		[]string{"operation", "result"},
	)

	c.operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "duration_seconds",
			Help:      "Time taken to complete coordinator operations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"operation"},
	)

	c.operationRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "retries_total",
			Help:      "Total number of transient-failure retries",
		},
		[]string{"operation"},
	)

	c.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "queue_depth",
			Help:      "Current number of operations waiting per scope",
		},
		[]string{"scope"},
	)

	c.queueRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "queue_rejections_total",
			Help:      "Total number of operations rejected by the scope queue",
		},
		[]string{"reason"},
	)

	// Optimistic state metrics
	c.optimisticApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimistic",
			Name:      "applied_total",
			Help:      "Total number of optimistic updates applied",
		},
		[]string{"operation"},
	)

	c.rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimistic",
			Name:      "rollbacks_total",
			Help:      "Total number of optimistic updates rolled back",
		},
		[]string{"reason"},
	)

	c.capacityRefusals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimistic",
			Name:      "capacity_refusals_total",
			Help:      "Total number of accepts refused at the co-host capacity cap",
		},
	)

	c.entityExpiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimistic",
			Name:      "expiries_total",
			Help:      "Total number of pending requests expired locally",
		},
		[]string{"kind"},
	)

	// Reconciliation metrics
	c.pushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "push_events_total",
			Help:      "Total number of push events by reconciliation outcome",
		},
		[]string{"type", "result"},
	)

	c.refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "refresh_total",
			Help:      "Total number of refresh attempts by gate outcome",
		},
		[]string{"result"},
	)

	// Channel metrics
	c.reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnects_total",
			Help:      "Total number of push channel reconnects",
		},
	)

	c.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "notifications_total",
			Help:      "Total number of user notifications emitted",
		},
		[]string{"category"},
	)

	c.activeScopes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_scopes",
			Help:      "Current number of attached scopes",
		},
	)

	c.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Coordinator uptime in seconds",
		},
	)

	// Register all collectors
	c.registry.MustRegister(
		c.operationTotal,
		c.operationLatency,
		c.operationRetries,
		c.queueDepth,
		c.queueRejections,
		c.optimisticApplied,
		c.rollbacks,
		c.capacityRefusals,
		c.entityExpiries,
		c.pushEvents,
		c.refreshTotal,
		c.reconnects,
		c.notifications,
		c.activeScopes,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation records the outcome and latency of a coordinator operation.
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.operationTotal.WithLabelValues(operation, result).Inc()
	c.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOperationRetry increments the retry counter for an operation.
func (c *Collector) RecordOperationRetry(operation string) {
	c.operationRetries.WithLabelValues(operation).Inc()
}

// RecordQueueDepth records the current depth of a scope's operation queue.
func (c *Collector) RecordQueueDepth(scope string, depth int) {
	c.queueDepth.WithLabelValues(scope).Set(float64(depth))
}

// RecordQueueRejection records an operation refused by the scope queue.
func (c *Collector) RecordQueueRejection(reason string) {
	c.queueRejections.WithLabelValues(reason).Inc()
}

// RecordOptimisticApplied records an optimistic update entering the store.
func (c *Collector) RecordOptimisticApplied(operation string) {
	c.optimisticApplied.WithLabelValues(operation).Inc()
}

// RecordRollback records an optimistic update being rolled back.
func (c *Collector) RecordRollback(reason string) {
	c.rollbacks.WithLabelValues(reason).Inc()
}

// RecordCapacityRefusal records an accept refused at the capacity cap.
func (c *Collector) RecordCapacityRefusal() {
	c.capacityRefusals.Inc()
}

// RecordExpiry records a pending request expired by the local sweep.
func (c *Collector) RecordExpiry(kind string) {
	c.entityExpiries.WithLabelValues(kind).Inc()
}

// RecordPushEvent records a push event and its reconciliation outcome.
func (c *Collector) RecordPushEvent(eventType, result string) {
	c.pushEvents.WithLabelValues(eventType, result).Inc()
}

// RecordRefresh records a refresh attempt and whether the gate allowed it.
func (c *Collector) RecordRefresh(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "limited"
	}
	c.refreshTotal.WithLabelValues(result).Inc()
}

// RecordReconnect records a push channel reconnect.
func (c *Collector) RecordReconnect() {
	c.reconnects.Inc()
}

// RecordNotification records an emitted user notification.
func (c *Collector) RecordNotification(category string) {
	c.notifications.WithLabelValues(category).Inc()
}

// SetActiveScopes records the current number of attached scopes.
func (c *Collector) SetActiveScopes(count int) {
	c.activeScopes.Set(float64(count))
}

// UpdateUptime updates the uptime metric.
func (c *Collector) UpdateUptime() {
	c.uptime.Set(time.Since(c.startTime).Seconds())
}

// Reset resets all gauge metrics.
func (c *Collector) Reset() {
	c.queueDepth.Reset()
	c.activeScopes.Set(0)
	c.startTime = time.Now()
}

// NoOpCollector is a metrics collector that discards all metrics.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op metrics collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordOperation(operation string, d time.Duration, err error) {}
func (*NoOpCollector) RecordOperationRetry(operation string)                        {}
func (*NoOpCollector) RecordQueueDepth(scope string, depth int)                     {}
func (*NoOpCollector) RecordQueueRejection(reason string)                           {}
func (*NoOpCollector) RecordOptimisticApplied(operation string)                     {}
func (*NoOpCollector) RecordRollback(reason string)                                 {}
func (*NoOpCollector) RecordCapacityRefusal()                                       {}
func (*NoOpCollector) RecordExpiry(kind string)                                     {}
func (*NoOpCollector) RecordPushEvent(eventType, result string)                     {}
func (*NoOpCollector) RecordRefresh(allowed bool)                                   {}
func (*NoOpCollector) RecordReconnect()                                             {}
func (*NoOpCollector) RecordNotification(category string)                           {}
func (*NoOpCollector) SetActiveScopes(count int)                                    {}
func (*NoOpCollector) UpdateUptime()                                                {}
func (*NoOpCollector) Reset()                                                       {}

// MetricsCollector is the interface for metrics collection.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, err error)
	RecordOperationRetry(operation string)
	RecordQueueDepth(scope string, depth int)
	RecordQueueRejection(reason string)
	RecordOptimisticApplied(operation string)
	RecordRollback(reason string)
	RecordCapacityRefusal()
	RecordExpiry(kind string)
	RecordPushEvent(eventType, result string)
	RecordRefresh(allowed bool)
	RecordReconnect()
	RecordNotification(category string)
	SetActiveScopes(count int)
	UpdateUptime()
	Reset()
}

// Verify interface compliance
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = (*NoOpCollector)(nil)
)
