package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the prefix before the first dot.
const (
	KindProjectionChanged = "cache.changed"

	KindUnread        = "inbox.unread"         // payload model.UnreadEvent
	KindUnreadChanged = "inbox.unread_changed" // payload int

	KindVisibility = "app.visibility" // payload model.VisibilityEvent
	KindSignedOut  = "app.signed_out"

	KindRealtimeState = "realtime.state_changed"
	KindRealtimeError = "realtime.error" // payload error

	KindMessageUpserted = "message.upserted"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"

	KindSyncRefreshed = "sync.refreshed"
	KindSyncHydrated  = "sync.hydrated"
)
