package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/toolgate/internal/domain"
)

type Metrics struct {
	reg prometheus.Registerer

	// Latency: сколько времени занял вызов, включая все этапы
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во вызовов по исходу
	TotalRequests *prometheus.CounterVec

	// Errors: отказы по этапам пайплайна
	DenialsTotal *prometheus.CounterVec

	// Находки сканера
	FindingsTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 0.5 - проба, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	SubAgentTerminal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		reg: reg,

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_invocation_duration_seconds",
			Help:    "Histogram of tool invocation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool_id", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_invocations_total",
			Help: "Total number of processed invocations.",
		}, []string{"tool_id", "status"}),

		DenialsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_denials_total",
			Help: "Total number of denials by pipeline stage.",
		}, []string{"stage"}),

		FindingsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_scanner_findings_total",
			Help: "Scanner findings by category and severity.",
		}, []string{"category", "severity"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolgate_circuit_breaker_state",
			Help: "Current state of the per-tool circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"tool_id"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),

		SubAgentTerminal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_subagent_terminal_total",
			Help: "Sub-agent terminal results by status.",
		}, []string{"status"}),
	}
}

// ObserveSubAgent — наблюдатель для subagent.WithObserver.
func (m *Metrics) ObserveSubAgent(res domain.SubAgentResult) {
	m.SubAgentTerminal.WithLabelValues(string(res.Status)).Inc()
}

func (m *Metrics) observeFindings(findings []domain.Finding) {
	for _, f := range findings {
		m.FindingsTotal.WithLabelValues(string(f.Category), f.Severity.String()).Inc()
	}
}

// RegisterRuntimeGauges публикует состояние планировщика и порождения под-задач,
// снимая его в момент scrape.
func (m *Metrics) RegisterRuntimeGauges(lanes func() domain.LaneStats, spawner func() domain.SpawnerStats) {
	f := promauto.With(m.reg)
	if lanes != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "toolgate_lanes_active",
			Help: "Number of materialized lanes.",
		}, func() float64 { return float64(lanes().ActiveLanes) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "toolgate_lanes_pending",
			Help: "Tasks waiting across all lanes.",
		}, func() float64 {
			total := 0
			for _, n := range lanes().Pending {
				total += n
			}
			return float64(total)
		})
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "toolgate_parallel_pool_active",
			Help: "Tasks currently running in the parallel pool.",
		}, func() float64 { return float64(lanes().ParallelActive) })
	}
	if spawner != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "toolgate_subagents_active",
			Help: "Currently active sub-agents.",
		}, func() float64 { return float64(spawner().Active) })
	}
}
