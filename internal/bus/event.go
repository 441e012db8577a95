package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "queue." receives every queue transition.
const (
	KindQueueEnqueued = "queue.enqueued"
	KindQueueSent     = "queue.sent"
	KindQueueFailed   = "queue.failed"
	KindQueueUpdated  = "queue.updated"
	KindCacheUpdated  = "cache.updated"
	KindNetOnline     = "net.online"
	KindNetOffline    = "net.offline"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ChatRef is the payload for per-chat change events.
type ChatRef struct {
	ChatID    string
	MessageID string
}
