package atto

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallflower_atto_gateway_requests_total",
		Help: "Total number of gateway requests by level, op and response code",
	},
		[]string{"level", "op", "code"},
	)

	PointsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallflower_atto_points_written_total",
		Help: "Total number of points written to points tables",
	})

	StorageOperationalErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallflower_atto_storage_operational_errors_total",
		Help: "Total number of connection-class storage failures",
	},
		[]string{"level", "op"},
	)
)
