package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// controllerMetrics prometheus метрики контроллера сессий
type controllerMetrics struct {
	sessionsTotal  prometheus.Counter
	sessionsActive prometheus.Gauge
	forcedStops    *prometheus.CounterVec
	inviteFailures prometheus.Counter
	teardownErrors prometheus.Counter
}

// newControllerMetrics регистрирует метрики в переданном Registerer.
// nil означает изолированный реестр: метрики считаются, но наружу
// не экспортируются (удобно в тестах и при выключенном мониторинге).
func newControllerMetrics(reg prometheus.Registerer) *controllerMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &controllerMetrics{
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "door_phone",
			Subsystem: "streaming",
			Name:      "sessions_total",
			Help:      "Общее число подготовленных сессий просмотра",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "door_phone",
			Subsystem: "streaming",
			Name:      "sessions_active",
			Help:      "Число сессий в состояниях pending и active",
		}),
		forcedStops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "door_phone",
			Subsystem: "streaming",
			Name:      "forced_stops_total",
			Help:      "Принудительные разборы сессий по причинам",
		}, []string{"reason"}),
		inviteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "door_phone",
			Subsystem: "streaming",
			Name:      "invite_failures_total",
			Help:      "Отказы SIP переговоров (сессия продолжилась без двустороннего звука)",
		}),
		teardownErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "door_phone",
			Subsystem: "streaming",
			Name:      "teardown_errors_total",
			Help:      "Ошибки отдельных шагов разбора сессий",
		}),
	}
}
