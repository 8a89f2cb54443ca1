package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics broker 的 Prometheus 指標.
type Metrics struct {
	Connections   prometheus.Gauge
	EventsEmitted *prometheus.CounterVec
	SlowConsumers prometheus.Counter
	Operations    *prometheus.CounterVec
}

// NewMetrics 建立指標；reg 為 nil 時不註冊（測試用）.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_broker_connections",
			Help: "Number of active broker connections.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_broker_events_emitted_total",
			Help: "Events enqueued to connections, by event name.",
		}, []string{"event"}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_broker_slow_consumer_disconnects_total",
			Help: "Connections closed because their outbound queue was full.",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_broker_operations_total",
			Help: "Message lifecycle operations, by operation and result.",
		}, []string{"op", "result"}),
	}

	if reg != nil {
		reg.MustRegister(m.Connections, m.EventsEmitted, m.SlowConsumers, m.Operations)
	}
	return m
}

// RegisterHubGauges 註冊線上人數的 GaugeFunc.
func RegisterHubGauges(reg prometheus.Registerer, hub *Hub) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chat_broker_online_users",
			Help: "Number of identities with at least one active connection.",
		},
		func() float64 { return float64(hub.OnlineCount()) },
	))
}

func (m *Metrics) observeOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = Code(err)
	}
	m.Operations.WithLabelValues(op, result).Inc()
}
