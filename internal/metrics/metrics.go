// Package metrics exposes the agent's pipeline measurements as Prometheus
// collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/receipt"
)

const namespace = "posagent"

// Collectors holds every collector on its own registry. It implements
// dragonpos.Observer and receipt.Observer.
type Collectors struct {
	registry *prometheus.Registry

	Attempts          prometheus.Counter
	Rejections        prometheus.Counter
	ToolExecutions    *prometheus.CounterVec
	Inferences        *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	InferenceAttempts prometheus.Histogram
	Turns             *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	Syncs             *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	SyncFailures      prometheus.Counter

	// Fed from the event bus, see Subscribe
	Payments      *prometheus.CounterVec
	PaymentStates *prometheus.CounterVec
	Resets        *prometheus.CounterVec
}

// New creates and registers the collectors, including the Go runtime and
// process collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collectors{
		registry: reg,
		Attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_attempts_total",
			Help:      "Reason/select/validate attempts started.",
		}),
		Rejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Tool selections rejected by validation.",
		}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool and result status.",
		}, []string{"tool", "status"}),
		Inferences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_total",
			Help:      "Finished inference runs by outcome.",
		}, []string{"outcome"}),
		InferenceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Wall time of one inference run.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		InferenceAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_iterations",
			Help:      "Attempts used per inference run.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Customer turns by handling path and outcome.",
		}, []string{"path", "outcome"}),
		TurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one customer turn.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		Syncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_syncs_total",
			Help:      "Receipt synchronization passes by change type.",
		}, []string{"change"}),
		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_sync_duration_seconds",
			Help:      "Wall time of one receipt synchronization pass.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		SyncFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_sync_failures_total",
			Help:      "Receipt synchronization passes that failed.",
		}),
		Payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_completed_total",
			Help:      "Completed payments by method.",
		}, []string{"method"}),
		PaymentStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_state_changes_total",
			Help:      "Payment state machine transitions by entered state.",
		}, []string{"state"}),
		Resets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "customer_resets_total",
			Help:      "Counter resets for the next customer, by what happened to the order.",
		}, []string{"order"}),
	}
}

// conversationEvents are the bus events counted by HandleEvent.
var conversationEvents = []eventbus.EventType{
	eventbus.EventPaymentCompleted,
	eventbus.EventPaymentStateChanged,
	eventbus.EventNextCustomerPrepared,
}

// Subscribe counts conversation events published on bus. It returns the
// subscription id.
func (c *Collectors) Subscribe(bus eventbus.EventBus) (string, error) {
	return bus.Subscribe(conversationEvents, c.HandleEvent)
}

// HandleEvent implements eventbus.EventHandler. Unknown events are ignored.
func (c *Collectors) HandleEvent(_ context.Context, evt eventbus.Event) error {
	switch evt.Type() {
	case eventbus.EventPaymentCompleted:
		method, _ := evt.Metadata()["method"].(string)
		if method == "" {
			method = "unknown"
		}
		c.Payments.WithLabelValues(method).Inc()
	case eventbus.EventPaymentStateChanged:
		if state, ok := evt.Payload().(string); ok && state != "" {
			c.PaymentStates.WithLabelValues(state).Inc()
		}
	case eventbus.EventNextCustomerPrepared:
		order := "paid"
		if abandoned, _ := evt.Metadata()["abandoned_order"].(bool); abandoned {
			order = "abandoned"
		}
		c.Resets.WithLabelValues(order).Inc()
	}
	return nil
}

// Registry returns the registry the collectors are registered on.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// AttemptStarted implements dragonpos.Observer.
func (c *Collectors) AttemptStarted(int) {
	c.Attempts.Inc()
}

// ValidationRejected implements dragonpos.Observer.
func (c *Collectors) ValidationRejected(int) {
	c.Rejections.Inc()
}

// ToolExecuted implements dragonpos.Observer.
func (c *Collectors) ToolExecuted(name string, status dragonpos.ToolStatus) {
	c.ToolExecutions.WithLabelValues(name, string(status)).Inc()
}

// InferenceFinished implements dragonpos.Observer.
func (c *Collectors) InferenceFinished(success bool, iterations int, d time.Duration) {
	c.Inferences.WithLabelValues(outcome(success)).Inc()
	c.InferenceDuration.Observe(d.Seconds())
	c.InferenceAttempts.Observe(float64(iterations))
}

// TurnCompleted records one customer turn.
func (c *Collectors) TurnCompleted(path string, success bool, d time.Duration) {
	c.Turns.WithLabelValues(path, outcome(success)).Inc()
	c.TurnDuration.WithLabelValues(path).Observe(d.Seconds())
}

// SyncCompleted implements receipt.Observer.
func (c *Collectors) SyncCompleted(change receipt.ChangeType, d time.Duration) {
	c.Syncs.WithLabelValues(string(change)).Inc()
	c.SyncDuration.Observe(d.Seconds())
}

// SyncFailed implements receipt.Observer.
func (c *Collectors) SyncFailed() {
	c.SyncFailures.Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

var (
	_ dragonpos.Observer = (*Collectors)(nil)
	_ receipt.Observer   = (*Collectors)(nil)
)
