package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Пути подготовки сессии
const (
	pathSDP = "sdp"
	pathICE = "ice"
)

// Metrics собирает метрики менеджера сессий.
// Все метрики регистрируются в переданном регистраторе.
type Metrics struct {
	offersTotal       prometheus.Counter
	answersTotal      prometheus.Counter
	failuresTotal     *prometheus.CounterVec
	sessionsPrepared  *prometheus.CounterVec
	iceOutcomesTotal  *prometheus.CounterVec
	setupsTotal       *prometheus.CounterVec
	terminationsTotal prometheus.Counter
	sessionsActive    prometheus.Gauge
}

// NewMetrics создает и регистрирует метрики.
// nil регистратор создает метрики без регистрации.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		offersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_total",
			Help:      "Total number of SDP offers generated",
		}),
		answersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Total number of SDP answers generated or received",
		}),
		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_failures_total",
			Help:      "Total number of negotiation failures by reason",
		}, []string{"reason"}),
		sessionsPrepared: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_prepared_total",
			Help:      "Total number of prepared media sessions by resolution path",
		}, []string{"path"}),
		iceOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_outcomes_total",
			Help:      "Total number of terminal ICE outcomes by state",
		}, []string{"state"}),
		setupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setups_total",
			Help:      "Total number of session setup requests by result",
		}, []string{"result"}),
		terminationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Total number of session terminations",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently started media sessions",
		}),
	}
}

func (m *Metrics) offerGenerated() {
	m.offersTotal.Inc()
}

func (m *Metrics) answerStored() {
	m.answersTotal.Inc()
}

func (m *Metrics) failure(category ErrorCategory) {
	m.failuresTotal.WithLabelValues(category.reason()).Inc()
}

func (m *Metrics) prepared(path string) {
	m.sessionsPrepared.WithLabelValues(path).Inc()
}

func (m *Metrics) iceOutcome(state string) {
	m.iceOutcomesTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) setup(result string) {
	m.setupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) sessionStarted() {
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionTerminated(wasStarted bool) {
	m.terminationsTotal.Inc()
	if wasStarted {
		m.sessionsActive.Dec()
	}
}
