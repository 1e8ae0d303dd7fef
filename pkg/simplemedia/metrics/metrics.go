// Package metrics exposes Prometheus collectors for the media pipeline.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const namespace = "simplemedia"

// Metrics implements simplemedia.Metrics, queue.Observer and events.Observer.
// A nil *Metrics records nothing.
type Metrics struct {
	uploads       *prometheus.CounterVec
	variants      *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	eventsDropped *prometheus.CounterVec
}

// MustNew registers the collectors with reg, or the default registerer when
// reg is nil. Collectors already registered under the same name are reused, so
// the server and an embedded worker can share one registry.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		uploads: registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads by result: created, deduplicated, rejected or error.",
		}, "result"),
		variants: registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variants_created_total",
			Help:      "Derivatives written, by variant.",
		}, "variant"),
		tasks: registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Variant task attempts by outcome.",
		}, "outcome"),
		taskDuration: registerHistogramVec(reg, prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time spent handling one variant task attempt.",
			Buckets:   prometheus.DefBuckets,
		}, "outcome"),
		eventsDropped: registerCounterVec(reg, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Status events dropped, by reason.",
		}, "reason"),
	}
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return h
}

// UploadObserved counts one upload outcome.
func (m *Metrics) UploadObserved(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

// VariantCreated counts one derivative written to storage.
func (m *Metrics) VariantCreated(variant simplemedia.Variant) {
	if m == nil {
		return
	}
	m.variants.WithLabelValues(string(variant)).Inc()
}

// TaskObserved records one task attempt and its duration.
func (m *Metrics) TaskObserved(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
	m.taskDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}
