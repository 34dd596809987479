package edge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"callmibro/internal/cachestore"
	"callmibro/internal/queue"
)

type metrics struct {
	reg      *prometheus.Registry
	dispatch *prometheus.CounterVec
	flush    *prometheus.CounterVec
}

func newMetrics(cache *cachestore.Manager, q *queue.Queue) *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &metrics{
		reg: reg,
		dispatch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callmibro",
			Subsystem: "edge",
			Name:      "dispatch_total",
			Help:      "Intercepted requests by policy and response source.",
		}, []string{"policy", "source"}),
		flush: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callmibro",
			Subsystem: "edge",
			Name:      "flush_total",
			Help:      "Queued mutations processed by background sync, by outcome.",
		}, []string{"kind", "outcome"}),
	}
	for _, kind := range queue.Kinds() {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "callmibro",
			Subsystem:   "edge",
			Name:        "queue_depth",
			Help:        "Mutations waiting for delivery.",
			ConstLabels: prometheus.Labels{"kind": string(kind)},
		}, func() float64 {
			n, _ := q.Len(kind)
			return float64(n)
		})
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "callmibro",
		Subsystem: "edge",
		Name:      "cache_entries",
		Help:      "Responses held in the current cache bucket.",
	}, func() float64 {
		n, _ := cache.Len()
		return float64(n)
	})
	return m
}

func (m *metrics) observeDispatch(p Policy, src Source, err error) {
	if m == nil {
		return
	}
	s := string(src)
	if err != nil {
		s = "error"
	}
	m.dispatch.WithLabelValues(p.String(), s).Inc()
}

func (m *metrics) observeFlush(rep queue.FlushReport) {
	if m == nil {
		return
	}
	m.flush.WithLabelValues(string(rep.Kind), "delivered").Add(float64(len(rep.Delivered)))
	m.flush.WithLabelValues(string(rep.Kind), "failed").Add(float64(len(rep.Failed)))
}
