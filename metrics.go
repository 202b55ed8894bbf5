package ensemble

import (
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "ensemble"

// Metrics holds the Prometheus collectors of one node. Each node has its own
// registry, so several nodes can live in one process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	invocations        *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	slowInvocations    prometheus.Counter
	redirects          prometheus.Counter
	routeRetries       prometheus.Counter
	entityLoads        *prometheus.CounterVec
	entityWrites       *prometheus.CounterVec
	entityEvictions    prometheus.Counter
	entityDeletes      prometheus.Counter
	responses          *prometheus.CounterVec
	nearCacheLookups   *prometheus.CounterVec
	clusterMessages    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "entity",
			Name:      "invocations_total",
			Help:      "Entity function invocations executed locally.",
		}, []string{"result"}),
		invocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "entity",
			Name:      "invocation_duration_seconds",
			Help:      "Time from Invoke to the end of the function body.",
			Buckets:   prometheus.DefBuckets,
		}),
		slowInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "entity",
			Name:      "slow_invocations_total",
			Help:      "Invocations slower than the configured threshold.",
		}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "redirects_total",
			Help:      "Invocations forwarded to another worker or node.",
		}),
		routeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "retries_total",
			Help:      "Forwards re-resolved after the owner was not found.",
		}),
		entityLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "entity",
			Name:      "loads_total",
			Help:      "Entities brought into memory, by whether a stored record existed.",
		}, []string{"found"}),
		entityWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "entity",
			Name:      "writes_total",
			Help:      "Entity records written to the store.",
		}, []string{"result"}),
		entityEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "entity",
			Name:      "evictions_total",
			Help:      "Entities evicted from memory.",
		}),
		entityDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "entity",
			Name:      "deletes_total",
			Help:      "Entities deleted by their functions.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "correlator",
			Name:      "responses_total",
			Help:      "Responses by delivery path.",
		}, []string{"path"}),
		nearCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "near_cache",
			Name:      "lookups_total",
			Help:      "Near cache lookups by map and outcome.",
		}, []string{"map", "result"}),
		clusterMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cluster",
			Name:      "messages_total",
			Help:      "Cluster commands by direction.",
		}, []string{"direction", "cmd"}),
	}

	m.registry.MustRegister(
		m.invocations,
		m.invocationDuration,
		m.slowInvocations,
		m.redirects,
		m.routeRetries,
		m.entityLoads,
		m.entityWrites,
		m.entityEvictions,
		m.entityDeletes,
		m.responses,
		m.nearCacheLookups,
		m.clusterMessages,
	)
	return m
}

// Registry exposes the node registry, e.g. for promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) invocationDone(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.invocations.WithLabelValues(result).Inc()
	m.invocationDuration.Observe(d.Seconds())
}

func (m *Metrics) slowInvocation() {
	if m != nil {
		m.slowInvocations.Inc()
	}
}

func (m *Metrics) redirected() {
	if m != nil {
		m.redirects.Inc()
	}
}

func (m *Metrics) routeRetried() {
	if m != nil {
		m.routeRetries.Inc()
	}
}

func (m *Metrics) entityLoaded(found bool) {
	if m == nil {
		return
	}
	if found {
		m.entityLoads.WithLabelValues("true").Inc()
	} else {
		m.entityLoads.WithLabelValues("false").Inc()
	}
}

func (m *Metrics) entityWritten(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.entityWrites.WithLabelValues("ok").Inc()
	} else {
		m.entityWrites.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) entityEvicted() {
	if m != nil {
		m.entityEvictions.Inc()
	}
}

func (m *Metrics) entityDeleted() {
	if m != nil {
		m.entityDeletes.Inc()
	}
}

func (m *Metrics) responseDelivered(path string) {
	if m != nil {
		m.responses.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) nearCacheLookup(mapName string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.nearCacheLookups.WithLabelValues(mapName, result).Inc()
}

func (m *Metrics) clusterMessage(direction, cmd string) {
	if m != nil {
		m.clusterMessages.WithLabelValues(direction, cmd).Inc()
	}
}

// Snapshot flattens every counter and histogram count into a map keyed by
// metric name plus sorted label pairs, e.g.
// "ensemble_entity_writes_total{result=ok}".
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	if m == nil {
		return out
	}
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName() + labelSuffix(metric.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key+"_count"] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func labelSuffix(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
