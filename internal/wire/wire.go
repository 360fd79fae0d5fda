// Package wire defines the JSON contract with the remote system.
// Every consumer (transport, reconciler, tests) decodes through this
// package so there is exactly one interpretation of the format.
package wire

import (
	"encoding/json"
	"fmt"
)

// Operation kinds sent to the server.
const (
	OpSend     = "send"
	OpEdit     = "edit"
	OpDelete   = "delete"
	OpMarkRead = "markRead"

	// OpGapFill is the control record requesting missed history after a
	// reconnect, keyed by the last acknowledged sequence marker. It is
	// transmitted directly, never queued.
	OpGapFill = "gapFill"
)

// Event types received from the server.
const (
	EventNewMessage   = "newMessage"
	EventStatusUpdate = "statusUpdate"
	EventGapFillBatch = "gapFillBatch"
	EventSignal       = "signal"
)

// Payload carries message content in both directions.
type Payload struct {
	Body         string `json:"body,omitempty"`
	Kind         string `json:"kind,omitempty"` // text, image, video, audio
	ContentID    string `json:"contentId,omitempty"`
	MediaURL     string `json:"mediaUrl,omitempty"`
	MediaSize    int64  `json:"mediaSize,omitempty"`
	TargetMsgID  string `json:"targetMsgId,omitempty"` // edit/delete target
	UpToServerID string `json:"upToServerId,omitempty"`
	SinceSeq     string `json:"sinceSeq,omitempty"` // gapFill resume marker
}

// Operation is a transmitted mutation. ClientMsgID round-trips unchanged
// so server acknowledgments can be mapped back to local state.
type Operation struct {
	Op          string   `json:"operation"`
	ChatID      string   `json:"chatId"`
	ClientMsgID string   `json:"clientMessageId"`
	Payload     *Payload `json:"payload,omitempty"`
	SentAt      int64    `json:"sentAt"` // unix ms
}

// Event is a received server event. For gapFillBatch, Batch holds the
// missed messages in server order.
type Event struct {
	Type        string   `json:"type"`
	ChatID      string   `json:"chatId"`
	ServerMsgID string   `json:"serverMessageId,omitempty"`
	ClientMsgID string   `json:"clientMessageId,omitempty"`
	SenderID    string   `json:"senderId,omitempty"`
	Status      string   `json:"status,omitempty"`
	Payload     *Payload `json:"payload,omitempty"`
	Batch       []Event  `json:"batch,omitempty"`
	Timestamp   int64    `json:"timestamp"` // unix ms
	LastSeq     string   `json:"lastSeq,omitempty"`
}

// EncodeOperation serializes an operation for transmission.
func EncodeOperation(op *Operation) ([]byte, error) {
	switch op.Op {
	case OpSend, OpEdit, OpDelete, OpMarkRead, OpGapFill:
	default:
		return nil, fmt.Errorf("encode operation: unknown kind %q", op.Op)
	}
	if op.ChatID == "" {
		return nil, fmt.Errorf("encode operation: missing chat id")
	}
	return json.Marshal(op)
}

// DecodeOperation parses an operation, validating kind and identifiers.
func DecodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	switch op.Op {
	case OpSend, OpEdit, OpDelete, OpMarkRead, OpGapFill:
	default:
		return nil, fmt.Errorf("decode operation: unknown kind %q", op.Op)
	}
	if op.ChatID == "" {
		return nil, fmt.Errorf("decode operation: missing chat id")
	}
	return &op, nil
}

// DecodeEvent parses a server event, validating type and identifiers.
func DecodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch evt.Type {
	case EventNewMessage, EventStatusUpdate:
		if evt.ChatID == "" {
			return nil, fmt.Errorf("decode event: %s missing chat id", evt.Type)
		}
		if evt.ServerMsgID == "" && evt.ClientMsgID == "" {
			return nil, fmt.Errorf("decode event: %s missing message id", evt.Type)
		}
	case EventGapFillBatch:
		if evt.ChatID == "" {
			return nil, fmt.Errorf("decode event: %s missing chat id", evt.Type)
		}
	case EventSignal:
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", evt.Type)
	}
	return &evt, nil
}

// EncodeEvent serializes a server event. Used by tests and the fake
// server harness; the daemon itself only decodes events.
func EncodeEvent(evt *Event) ([]byte, error) {
	return json.Marshal(evt)
}
