package store

// Message represents a cached message. Core fields are immutable after
// insert; Status moves forward through the delivery pipeline. ClientMsgID
// is assigned locally at creation; ServerMsgID is bound once the server
// acknowledges the send, and both resolve to the same row afterwards.
type Message struct {
	ID          int64
	ChatID      string
	ClientMsgID string
	ServerMsgID string
	SenderID    string
	Body        string
	Kind        string // text, image, video, audio, deleted
	ContentID   string // media content id, empty for text
	Status      string
	Timestamp   int64 // unix ms, sequence key with ClientMsgID tiebreak
}

// ScrollAnchor is a persisted scroll position within a chat.
type ScrollAnchor struct {
	MsgID      string `json:"msgId"`
	OffsetPx   int    `json:"offsetPx"`
	CapturedAt int64  `json:"capturedAt"`
}

// ChatView is the per-chat cached view handed to the facade. Messages
// are ordered ascending by (Timestamp, ClientMsgID). CacheUnavailable
// is set when this chat's persisted record could not be read; the rest
// of the view is then empty rather than the error propagating.
type ChatView struct {
	ChatID           string
	Messages         []Message
	LastReadTS       int64
	ScrollAnchor     *ScrollAnchor
	Draft            string
	CacheUnavailable bool
}

// Outbox operation statuses.
const (
	OpPending  = "pending"
	OpInFlight = "in_flight"
	OpFailed   = "failed" // permanently-failed; requires explicit revive
)

// OutboxOp represents a not-yet-acknowledged mutation. Acknowledged
// operations are deleted, so every row is pending, in flight, or
// permanently failed.
type OutboxOp struct {
	ID            int64
	ClientMsgID   string
	ChatID        string
	Op            string // wire operation kind
	Payload       string // serialized wire payload
	Status        string
	RetryCount    int
	NextAttemptAt int64 // unix ms, 0 = immediately
	EnqueuedAt    int64 // unix ms
	LastError     string
}
