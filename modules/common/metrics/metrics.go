// Package metrics holds the Prometheus collectors for the fitting pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quel_fitting"

type Metrics struct {
	registry      *prometheus.Registry
	jobsFinished  *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	polls         *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	jobsRunning   prometheus.Gauge
}

// New - 전용 레지스트리에 수집기 등록
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Generation jobs that reached a terminal status.",
		}, []string{"status", "kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Generation attempts by validation outcome.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_polls_total",
			Help:      "Provider poll cycles by observed state.",
		}, []string{"state"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each job stage.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently owned by this orchestrator.",
		}),
	}
	reg.MustRegister(
		m.jobsFinished, m.attempts, m.polls, m.stageDuration, m.jobsRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler - /metrics 핸들러
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry - 테스트/추가 수집기 등록용
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

// JobFinished - kind 는 실패 종류 (성공/취소는 빈 문자열)
func (m *Metrics) JobFinished(status, kind string) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobsFinished.WithLabelValues(status, kind).Inc()
}

func (m *Metrics) Attempt(passed bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if passed {
		outcome = "passed"
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// Poll - state 가 비어 있으면 전송 오류로 기록
func (m *Metrics) Poll(state string) {
	if m == nil {
		return
	}
	if state == "" {
		state = "transport_error"
	}
	m.polls.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
