package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "minichat",
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	})

	onlineUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "minichat",
		Name:      "online_users",
		Help:      "Users in the presence registry.",
	})
)

func init() {
	prometheus.MustRegister(connectionsGauge, onlineUsersGauge)
}
