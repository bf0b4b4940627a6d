package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gb_gateway",
		Subsystem: "registrar",
		Name:      "queue_depth",
		Help:      "Количество REGISTER в очереди",
	})
	registerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "registrar",
		Name:      "results_total",
		Help:      "Итоги обработки REGISTER",
	}, []string{"result"})
	registrationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gb_gateway",
		Subsystem: "registrar",
		Name:      "registrations",
		Help:      "Количество действующих регистраций",
	})
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "signaling",
		Name:      "requests_total",
		Help:      "Входящие запросы по методу",
	}, []string{"method"})
	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "signaling",
		Name:      "responses_total",
		Help:      "Ответы устройств по классу кода",
	}, []string{"class"})
)
