// Package notify surfaces operation outcomes to the embedding UI layer.
//
// The coordinator performs its work in the background: optimistic updates
// apply instantly, requests retry after transient failures, and rollbacks
// land seconds after the action that caused them. Notifications are how
// that asynchrony reaches the user. Retrying is deliberately throttled to
// one notification per operation regardless of how many attempts follow,
// so flaky links do not turn into notification storms.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/metrics"
)

// Category classifies a notification.
type Category string

const (
	// CategorySuccess reports an operation the backend confirmed.
	CategorySuccess Category = "success"
	// CategoryRetrying reports a transient failure being retried. At most
	// one is emitted per operation.
	CategoryRetrying Category = "retrying"
	// CategoryFailure reports a final failure, usually alongside the
	// rollback of the operation's optimistic update.
	CategoryFailure Category = "failure"
)

// Notification is one user-facing outcome report.
type Notification struct {
	Category    Category  `json:"category"`
	Scope       string    `json:"scope,omitempty"`
	Operation   string    `json:"operation"`
	OperationID string    `json:"operationId,omitempty"`
	Message     string    `json:"message"`
	Code        string    `json:"code,omitempty"`
	At          time.Time `json:"at"`
}

// Sink receives notifications for display.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// BusSink publishes notifications as events on the in-process bus, where
// UI subscribers pick them up alongside coordination events.
type BusSink struct {
	bus events.Bus
}

// NewBusSink creates a sink that publishes to the given bus.
func NewBusSink(bus events.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Notify(n Notification) {
	ev := events.NewEvent(events.EventNotification).
		Scope(n.Scope).
		Severity(severityFor(n.Category)).
		Message(n.Message).
		Payload(n).
		Build()
	ev.EntityID = n.OperationID
	if n.Code != "" {
		ev.Error = n.Code
	}
	if !n.At.IsZero() {
		ev.Timestamp = n.At
	}
	s.bus.Publish(ev)
}

func severityFor(c Category) events.Severity {
	switch c {
	case CategoryRetrying:
		return events.SeverityWarning
	case CategoryFailure:
		return events.SeverityError
	default:
		return events.SeverityInfo
	}
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Sink   Sink
	Logger zerolog.Logger

	// Metrics counts emitted notifications per category. Suppressed
	// retrying duplicates are not counted. Nil disables counting.
	Metrics metrics.MetricsCollector

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Notifier stamps and routes notifications, deduplicating the retrying
// category per operation.
type Notifier struct {
	sink    Sink
	logger  zerolog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	mu       sync.Mutex
	retrying map[string]struct{}
}

// NewNotifier creates a notifier delivering to cfg.Sink. A nil sink
// discards everything, which keeps call sites unconditional.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	return &Notifier{
		sink:     cfg.Sink,
		logger:   cfg.Logger.With().Str("component", "notify").Logger(),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		retrying: make(map[string]struct{}),
	}
}

// Success reports a confirmed operation.
func (n *Notifier) Success(scope, operation, operationID, message string) {
	n.clear(operationID)
	n.emit(Notification{
		Category:    CategorySuccess,
		Scope:       scope,
		Operation:   operation,
		OperationID: operationID,
		Message:     message,
	})
}

// Retrying reports a transient failure. Only the first call per operation
// emits; later attempts for the same operation are logged and dropped
// until the operation resolves.
func (n *Notifier) Retrying(scope, operation, operationID, message, code string) {
	n.mu.Lock()
	_, seen := n.retrying[operationID]
	if !seen {
		n.retrying[operationID] = struct{}{}
	}
	n.mu.Unlock()

	if seen {
		n.logger.Debug().
			Str("operation", operation).
			Str("operation_id", operationID).
			Msg("suppressing duplicate retrying notification")
		return
	}
	n.emit(Notification{
		Category:    CategoryRetrying,
		Scope:       scope,
		Operation:   operation,
		OperationID: operationID,
		Message:     message,
		Code:        code,
	})
}

// Failure reports a final failure and releases the operation's retrying
// suppression.
func (n *Notifier) Failure(scope, operation, operationID, message, code string) {
	n.clear(operationID)
	n.emit(Notification{
		Category:    CategoryFailure,
		Scope:       scope,
		Operation:   operation,
		OperationID: operationID,
		Message:     message,
		Code:        code,
	})
}

// ClearOperation releases the retrying suppression for an operation
// without emitting anything. Scope teardown uses this for operations it
// discards.
func (n *Notifier) ClearOperation(operationID string) {
	n.clear(operationID)
}

func (n *Notifier) clear(operationID string) {
	if operationID == "" {
		return
	}
	n.mu.Lock()
	delete(n.retrying, operationID)
	n.mu.Unlock()
}

func (n *Notifier) emit(notification Notification) {
	notification.At = n.now().UTC()
	n.metrics.RecordNotification(string(notification.Category))
	if n.sink == nil {
		return
	}
	n.sink.Notify(notification)
}
