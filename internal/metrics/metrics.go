// Package metrics exposes the server's Prometheus collectors: point-in-time
// counts and rates for connections, broadcasts, admin actions and policy
// rejections. Every collector is registered against its own registry so a
// test can spin up an isolated Collectors without touching the global
// default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the chat server publishes.
type Collectors struct {
	Registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	MessagesBroadcast prometheus.Counter
	AdminActions      *prometheus.CounterVec
	MutedUsers        prometheus.Gauge
	BannedUsers       prometheus.Gauge
	RateLimitRejects  prometheus.Counter
}

// New builds a Collectors with a private registry and registers every
// metric on it.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		Registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sochet",
			Name:      "active_connections",
			Help:      "Number of sessions currently admitted to the registry.",
		}),
		MessagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sochet",
			Name:      "messages_broadcast_total",
			Help:      "Total user chat envelopes handed to the broadcaster.",
		}),
		AdminActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sochet",
			Name:      "admin_actions_total",
			Help:      "Admin commands dispatched, by command name.",
		}, []string{"command"}),
		MutedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sochet",
			Name:      "muted_users",
			Help:      "Users currently under an active mute.",
		}),
		BannedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sochet",
			Name:      "banned_users",
			Help:      "Size of the persisted ban set.",
		}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sochet",
			Name:      "rate_limit_rejections_total",
			Help:      "Chat frames dropped for exceeding the sliding-window rate limit.",
		}),
	}

	reg.MustRegister(
		c.ActiveConnections,
		c.MessagesBroadcast,
		c.AdminActions,
		c.MutedUsers,
		c.BannedUsers,
		c.RateLimitRejects,
	)
	return c
}
