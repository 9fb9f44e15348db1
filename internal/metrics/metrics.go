// Package metrics exposes delivery and task counters for Prometheus. It
// feeds itself from the event bus so the delivery path never touches it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"promobot/internal/eventbus"
	"promobot/internal/task/engine"
)

const namespace = "promobot"

type Metrics struct {
	reg *prometheus.Registry

	sends     *prometheus.CounterVec
	skips     *prometheus.CounterVec
	denials   *prometheus.CounterVec
	lifecycle *prometheus.CounterVec
	tasks     *prometheus.CounterVec
	queueWait prometheus.Histogram
}

// New builds a private registry with the process and Go collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Ad sends by tenant and outcome.",
		}, []string{"tenant", "outcome"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skips_total",
			Help:      "Destinations skipped by the guards.",
		}, []string{"tenant", "reason"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Occurrences denied by the admission ledger.",
		}, []string{"tenant", "reason"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_total",
			Help:      "Ad lifecycle changes.",
		}, []string{"tenant", "event"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task engine events.",
		}, []string{"event"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_delay_seconds",
			Help:      "Time tasks spent queued before running.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sends, m.skips, m.denials, m.lifecycle, m.tasks, m.queueWait,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gauge registers a gauge sampled from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Observe folds one bus event into the counters.
func (m *Metrics) Observe(e eventbus.Event) {
	switch ev := e.Data.(type) {
	case eventbus.AdEvent:
		switch e.Type {
		case eventbus.AdSent:
			m.sends.WithLabelValues(ev.Tenant, "sent").Inc()
		case eventbus.AdFailed:
			m.sends.WithLabelValues(ev.Tenant, "failed").Inc()
		case eventbus.AdSkipped:
			m.skips.WithLabelValues(ev.Tenant, ev.Reason).Inc()
		case eventbus.AdDenied:
			m.denials.WithLabelValues(ev.Tenant, ev.Reason).Inc()
		case eventbus.AdPublished, eventbus.AdExpired, eventbus.AdRetracted:
			m.lifecycle.WithLabelValues(ev.Tenant, e.Type).Inc()
		}
	case engine.TaskEvent:
		m.tasks.WithLabelValues(e.Type).Inc()
		if e.Type == eventbus.TaskStarted {
			m.queueWait.Observe(ev.QueueDelay.Seconds())
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
