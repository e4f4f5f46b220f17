package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 业务指标, nil 接收者上的方法均为空操作
type Metrics struct {
	activations *prometheus.CounterVec
	logins      *prometheus.CounterVec
	adminOps    *prometheus.CounterVec
	seatsUsed   *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securemsg",
			Name:      "activations_total",
			Help:      "License activations by result.",
		}, []string{"mode", "result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securemsg",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"mode", "result"}),
		adminOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securemsg",
			Name:      "admin_operations_total",
			Help:      "Admin control plane mutations by operation and result.",
		}, []string{"operation", "result"}),
		seatsUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "securemsg",
			Name:      "seats_used",
			Help:      "Seats currently consumed per tenant.",
		}, []string{"tenant"}),
	}
	reg.MustRegister(m.activations, m.logins, m.adminOps, m.seatsUsed)
	return m
}

func (m *Metrics) Activation(mode, result string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) Login(mode, result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) AdminOp(op, result string) {
	if m == nil {
		return
	}
	m.adminOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SeatsUsed(tenant string, used int) {
	if m == nil {
		return
	}
	m.seatsUsed.WithLabelValues(tenant).Set(float64(used))
}
