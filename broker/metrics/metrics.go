/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package metrics owns the broker's counters, per-handler stats, rolling
// latency sample and health verdict (spec §3, §4.6). Prometheus collectors
// live on a private registry so the broker stays embeddable; the rolling
// sample for P50/P95/P99 is a small lock-free ring, since walking
// Prometheus's own histogram buckets for percentiles is awkward.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
)

const ringSize = 1024

// ring is a fixed-size lock-free-on-the-write-path latency sample: each
// observation overwrites the next slot modulo ringSize. Percentiles read a
// snapshot copy, so reads never race a concurrent write into a half-written
// slot because each slot is a single atomically-stored int64.
type ring struct {
	slots [ringSize]int64
	next  uint64
	count uint64
}

func (r *ring) observe(d time.Duration) {
	i := atomic.AddUint64(&r.next, 1) - 1
	atomic.StoreInt64(&r.slots[i%ringSize], int64(d))
	atomic.AddUint64(&r.count, 1)
}

func (r *ring) percentiles() (p50, p95, p99 time.Duration) {
	n := atomic.LoadUint64(&r.count)
	if n == 0 {
		return 0, 0, 0
	}
	size := n
	if size > ringSize {
		size = ringSize
	}

	vals := make([]int64, size)
	for i := uint64(0); i < size; i++ {
		vals[i] = atomic.LoadInt64(&r.slots[i])
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })

	pick := func(pct float64) time.Duration {
		idx := int(math.Ceil(pct*float64(len(vals)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(vals) {
			idx = len(vals) - 1
		}
		return time.Duration(vals[idx])
	}
	return pick(0.50), pick(0.95), pick(0.99)
}

// perHandler is the per (module, function) rolling stat named in spec §3.
type perHandler struct {
	count      uint64
	errors     uint64
	durationNS uint64
}

// Metrics is the broker's single metrics instance, owned by the daemon. It is
// not part of dispatch.Context: handlers never report to it, and each request
// is recorded by the daemon's connection handler around the dispatch call.
type Metrics struct {
	reg *prometheus.Registry

	requestsTotal        prometheus.Counter
	requestsSuccessful   prometheus.Counter
	requestsFailed       prometheus.Counter
	validationRejections prometheus.Counter
	throttleRejections   prometheus.Counter
	securityEvents       prometheus.Counter

	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec

	mu      sync.Mutex
	byFn    map[string]*perHandler
	latency ring

	startedAt      time.Time
	activeConnsVal int64
}

// New builds a Metrics instance with its own private prometheus.Registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		byFn: make(map[string]*perHandler),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_requests_total", Help: "Total requests admitted to dispatch.",
		}),
		requestsSuccessful: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_requests_successful", Help: "Requests completed with success:true.",
		}),
		requestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_requests_failed", Help: "Requests completed with success:false.",
		}),
		validationRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_validation_rejections", Help: "Requests rejected before dispatch by the validator.",
		}),
		throttleRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_throttle_rejections", Help: "Requests rejected before dispatch by the throttle.",
		}),
		securityEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_security_events", Help: "suspicious_input and related security rejections.",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "bridge_handler_duration_seconds", Help: "Handler duration by module/function.",
		}, []string{"module", "function"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_handler_errors_total", Help: "Handler error count by module/function.",
		}, []string{"module", "function"}),
		startedAt: time.Now(),
	}

	reg.MustRegister(m.requestsTotal, m.requestsSuccessful, m.requestsFailed,
		m.validationRejections, m.throttleRejections, m.securityEvents,
		m.handlerDuration, m.handlerErrors)

	return m
}

// Registry exposes the private prometheus.Registry for an optional
// /metrics HTTP exposition, left to the caller to wire.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func key(module, function string) string { return module + "." + function }

// ObserveRequest records one completed dispatch call.
func (m *Metrics) ObserveRequest(module, function string, d time.Duration, success bool) {
	m.requestsTotal.Inc()
	if success {
		m.requestsSuccessful.Inc()
	} else {
		m.requestsFailed.Inc()
		m.handlerErrors.WithLabelValues(module, function).Inc()
	}
	m.handlerDuration.WithLabelValues(module, function).Observe(d.Seconds())
	m.latency.observe(d)

	k := key(module, function)
	m.mu.Lock()
	ph, ok := m.byFn[k]
	if !ok {
		ph = &perHandler{}
		m.byFn[k] = ph
	}
	m.mu.Unlock()

	atomic.AddUint64(&ph.count, 1)
	atomic.AddUint64(&ph.durationNS, uint64(d.Nanoseconds()))
	if !success {
		atomic.AddUint64(&ph.errors, 1)
	}
}

// RejectValidation records a pre-dispatch validator rejection.
func (m *Metrics) RejectValidation() { m.validationRejections.Inc() }

// RejectThrottle records a pre-dispatch throttle rejection.
func (m *Metrics) RejectThrottle() { m.throttleRejections.Inc() }

// SecurityEvent records a suspicious_input or similar security rejection.
func (m *Metrics) SecurityEvent() { m.securityEvents.Inc() }

// UptimeSeconds reports elapsed time since New, the same clock Snapshot
// uses for its own uptime_seconds field; exposed directly for handlers
// that need uptime without paging in a full Snapshot (system.ping).
func (m *Metrics) UptimeSeconds() float64 { return time.Since(m.startedAt).Seconds() }

// SetActiveConnections updates the active connection gauge value read by
// Snapshot; the daemon's pressure sampler calls it once a second with the
// listener's open connection count.
func (m *Metrics) SetActiveConnections(n int64) {
	atomic.StoreInt64(&m.activeConnsVal, n)
}

// PerHandlerSnapshot is the per (module,function) view in system.metrics.
type PerHandlerSnapshot struct {
	Count          uint64  `json:"count"`
	ErrorCount     uint64  `json:"error_count"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

// Snapshot is the single JSON view rendered by system.metrics.
type Snapshot struct {
	RequestsTotal        uint64                        `json:"requests_total"`
	RequestsSuccessful   uint64                        `json:"requests_successful"`
	RequestsFailed       uint64                        `json:"requests_failed"`
	ValidationRejections uint64                        `json:"validation_rejections"`
	ThrottleRejections   uint64                        `json:"throttle_rejections"`
	SecurityEvents       uint64                        `json:"security_events"`
	PerHandler           map[string]PerHandlerSnapshot  `json:"per_handler"`
	P50Ms                float64                       `json:"latency_p50_ms"`
	P95Ms                float64                       `json:"latency_p95_ms"`
	P99Ms                float64                       `json:"latency_p99_ms"`
	MemoryBytes          uint64                        `json:"memory_bytes"`
	CPUPercent           float64                       `json:"cpu_percent"`
	UptimeSeconds         float64                      `json:"uptime_seconds"`
	ActiveConnections    int64                          `json:"active_connections"`
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}

// Snapshot renders the Prometheus counters plus the ring-buffer percentiles
// into one JSON-serializable view for system.metrics. memBytes/cpuPct are
// supplied by the caller (the daemon's pressure sampler already has them).
func (m *Metrics) Snapshot(memBytes uint64, cpuPct float64) Snapshot {
	p50, p95, p99 := m.latency.percentiles()

	m.mu.Lock()
	perFn := make(map[string]PerHandlerSnapshot, len(m.byFn))
	for k, ph := range m.byFn {
		cnt := atomic.LoadUint64(&ph.count)
		var avg float64
		if cnt > 0 {
			avg = float64(atomic.LoadUint64(&ph.durationNS)) / float64(cnt) / 1e6
		}
		perFn[k] = PerHandlerSnapshot{
			Count:         cnt,
			ErrorCount:    atomic.LoadUint64(&ph.errors),
			AvgDurationMs: avg,
		}
	}
	m.mu.Unlock()

	return Snapshot{
		RequestsTotal:        counterValue(m.requestsTotal),
		RequestsSuccessful:   counterValue(m.requestsSuccessful),
		RequestsFailed:       counterValue(m.requestsFailed),
		ValidationRejections: counterValue(m.validationRejections),
		ThrottleRejections:   counterValue(m.throttleRejections),
		SecurityEvents:       counterValue(m.securityEvents),
		PerHandler:           perFn,
		P50Ms:                p50.Seconds() * 1000,
		P95Ms:                p95.Seconds() * 1000,
		P99Ms:                p99.Seconds() * 1000,
		MemoryBytes:          memBytes,
		CPUPercent:           cpuPct,
		UptimeSeconds:        time.Since(m.startedAt).Seconds(),
		ActiveConnections:    atomic.LoadInt64(&m.activeConnsVal),
	}
}

// Verdict is the health-check view rendered by system.health.
type Verdict struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health computes healthy/degraded/unhealthy from the same pressure and
// failure-rate signals system.metrics exposes, generalized from the
// teacher's one-check-per-external-service idiom to one check per internal
// subsystem: cpu, memory, failure-rate, listener.
func (m *Metrics) Health(memPct, cpuPct float64, listenerUp bool) Verdict {
	checks := map[string]string{}
	worst := "healthy"

	rate := func(pct float64, name string) {
		switch {
		case pct >= 100:
			checks[name] = "unhealthy"
			worst = "unhealthy"
		case pct >= 80:
			checks[name] = "degraded"
			if worst == "healthy" {
				worst = "degraded"
			}
		default:
			checks[name] = "healthy"
		}
	}
	rate(memPct, "memory")
	rate(cpuPct, "cpu")

	total := counterValue(m.requestsTotal)
	failed := counterValue(m.requestsFailed)
	if total > 20 {
		failRate := float64(failed) / float64(total)
		switch {
		case failRate >= 0.2:
			checks["failure_rate"] = "unhealthy"
			worst = "unhealthy"
		case failRate >= 0.05:
			checks["failure_rate"] = "degraded"
			if worst == "healthy" {
				worst = "degraded"
			}
		default:
			checks["failure_rate"] = "healthy"
		}
	} else {
		checks["failure_rate"] = "healthy"
	}

	if listenerUp {
		checks["listener"] = "healthy"
	} else {
		checks["listener"] = "unhealthy"
		worst = "unhealthy"
	}

	return Verdict{Status: worst, Checks: checks}
}
