package rtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "rtp",
		Name:      "packets_received_total",
		Help:      "Количество принятых RTP пакетов",
	})
	octetsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "rtp",
		Name:      "octets_received_total",
		Help:      "Объем принятой полезной нагрузки RTP",
	})
	packetsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "rtp",
		Name:      "packets_dropped_total",
		Help:      "Количество отброшенных некорректных RTP пакетов",
	})
	reportsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "rtcp",
		Name:      "sender_reports_total",
		Help:      "Отправленные Sender Report по результату",
	}, []string{"result"})
	channelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gb_gateway",
		Subsystem: "rtp",
		Name:      "channels_active",
		Help:      "Количество открытых медиаканалов",
	})
)
