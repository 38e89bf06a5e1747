// Package metrics exports webhook and grant counters to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hongminglow/sampledeck-billing/internal/models"
)

const namespace = "sampledeck_billing"

// Recorder counts webhook deliveries by outcome and credits granted by type.
type Recorder struct {
	gatherer promclient.Gatherer
	events   *promclient.CounterVec
	duration *promclient.HistogramVec
	credits  *promclient.CounterVec
}

// New registers the collectors on reg. A nil reg gets a private registry,
// which keeps tests independent of the global one.
func New(reg *promclient.Registry) (*Recorder, error) {
	if reg == nil {
		reg = promclient.NewRegistry()
	}
	r := &Recorder{
		gatherer: reg,
		events: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		duration: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Time spent reconciling one webhook delivery.",
			Buckets:   promclient.DefBuckets,
		}, []string{"event_type"}),
		credits: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "credits_granted_total",
			Help:      "Credits added to user balances by transaction type.",
		}, []string{"type"}),
	}
	for _, c := range []promclient.Collector{r.events, r.duration, r.credits} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return r, nil
}

// ObserveWebhook records one delivery.
func (r *Recorder) ObserveWebhook(eventType, outcome string, took time.Duration) {
	if eventType == "" {
		eventType = "unverified"
	}
	r.events.WithLabelValues(eventType, outcome).Inc()
	r.duration.WithLabelValues(eventType).Observe(took.Seconds())
}

// CreditsGranted implements reconcile.GrantObserver.
func (r *Recorder) CreditsGranted(kind models.TransactionType, amount int64) {
	r.credits.WithLabelValues(string(kind)).Add(float64(amount))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
