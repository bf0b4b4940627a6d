package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Запросы HTTP интерфейса по маршруту и коду",
	}, []string{"route", "code"})

	eventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gb_gateway",
		Subsystem: "api",
		Name:      "event_clients",
		Help:      "Подключенные подписчики потока событий",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "api",
		Name:      "events_dropped_total",
		Help:      "События, не доставленные медленным подписчикам",
	})
)
