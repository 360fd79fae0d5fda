package bus

import "time"

// Event represents an engine event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." receives every message event.
const (
	KindMessageInserted      = "message.inserted"
	KindMessageStatusChanged = "message.status_changed"
	KindChatUnread           = "chat.unread"
	KindConnChanged          = "conn.changed"
	KindSignalReceived       = "signal.received"
	KindGapFillMerged        = "sync.gap_fill"
)

// MessageRef identifies a message in message.* and chat.unread payloads.
type MessageRef struct {
	ChatID      string
	ClientMsgID string
	Status      string
}
