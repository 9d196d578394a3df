package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_active_sessions",
		Help: "Currently connected WebSocket sessions",
	})

	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_orders_total",
		Help: "Orders placed by final status",
	}, []string{"status"})

	tradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_trades_total",
		Help: "Executed trades",
	})

	restRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_rest_requests_total",
		Help: "REST requests by route and status code",
	}, []string{"route", "code"})

	wsMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_ws_messages_total",
		Help: "WebSocket messages by direction",
	}, []string{"direction"})
)
