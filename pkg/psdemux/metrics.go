package psdemux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "psdemux",
		Name:      "segments_total",
		Help:      "Количество выданных сегментов элементарного потока",
	})
	segmentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "psdemux",
		Name:      "segment_bytes_total",
		Help:      "Объем выданных данных элементарного потока",
	})
	resyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gb_gateway",
		Subsystem: "psdemux",
		Name:      "resyncs_total",
		Help:      "Количество принудительных сбросов накопителя при переполнении",
	})
)
