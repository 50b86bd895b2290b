package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BusDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_bus_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})

	ProjectionNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_projection_notifications_total",
		Help: "Change notifications broadcast by the in-memory projection.",
	})

	PersistWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_persist_writes_total",
		Help: "Thread snapshot writes per tier and outcome.",
	}, []string{"tier", "result"})

	DurableEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_durable_evictions_total",
		Help: "Thread records evicted from the durable tier by the LRU cap.",
	})
	DurableUnavailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_durable_unavailable",
		Help: "1 when the durable tier failed to open for this process.",
	})
	EphemeralEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_ephemeral_evictions_total",
		Help: "Thread entries evicted from the ephemeral tier LRU.",
	})

	RealtimeConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_realtime_connects_total",
		Help: "Successful realtime socket opens.",
	})
	RealtimeReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_realtime_reconnects_scheduled_total",
		Help: "Reconnect attempts scheduled after a close.",
	})
	RealtimeTerminal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_realtime_terminal_total",
		Help: "Realtime connections stopped by an auth failure.",
	})
	RealtimeFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_realtime_frames_total",
		Help: "Realtime frames by direction.",
	}, []string{"direction"})

	UnreadFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_unread_fetches_total",
		Help: "Server unread total fetches by outcome.",
	}, []string{"result"})
	UnreadCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_unread_count",
		Help: "Current aggregated unread badge count.",
	})

	OutboxSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_outbox_sends_total",
		Help: "Optimistic sends by outcome.",
	}, []string{"result"})
)

// Register adds every collector to reg. Call once per process.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		BusDropped,
		ProjectionNotifications,
		PersistWrites,
		DurableEvictions, DurableUnavailable, EphemeralEvictions,
		RealtimeConnects, RealtimeReconnects, RealtimeTerminal, RealtimeFrames,
		UnreadFetches, UnreadCount,
		OutboxSends,
	)
}
