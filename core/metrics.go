package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 网关核心指标
// 所有标签只允许模型名和结果维度，凭证信息绝不进指标
type Metrics struct {
	attempts  *prometheus.CounterVec
	latencyMs *prometheus.HistogramVec
	recovered prometheus.Counter
}

// NewMetrics 注册核心指标；pool 的两个 gauge 以回调方式挂接
func NewMetrics(reg prometheus.Registerer, pool *CredentialPool) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream attempts by model and outcome.",
		}, []string{"model", "outcome"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_ms",
			Help:    "Upstream attempt latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"model"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_keys_recovered_total",
			Help: "Keys reinstated by the health checker.",
		}),
	}

	reg.MustRegister(m.attempts, m.latencyMs, m.recovered)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_pool_size",
		Help: "Total credentials in the pool.",
	}, func() float64 { return float64(pool.Size()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_pool_usable",
		Help: "Currently usable credentials in the pool.",
	}, func() float64 { return float64(pool.UsableCount()) }))

	return m
}

// ObserveAttempt 记录一次上游尝试，nil 安全
func (m *Metrics) ObserveAttempt(model string, success bool, latencyMs int64) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.attempts.WithLabelValues(model, outcome).Inc()
	m.latencyMs.WithLabelValues(model).Observe(float64(latencyMs))
}

// ObserveRecovery 记录一次健康检查复活，nil 安全
func (m *Metrics) ObserveRecovery() {
	if m == nil {
		return
	}
	m.recovered.Inc()
}
