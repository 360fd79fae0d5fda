// Package engine exposes the synchronization facade consumed by
// presentation code: current chat views, connection state, and mutation
// operations. Mutations perform an optimistic local write and return
// immediately; transmission and status transitions happen asynchronously
// through the outbound queue and the reconciler.
package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/media"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/wire"
	"go.uber.org/zap"
)

// Content is the payload of a send operation. Blob, when set, is stored
// in the media cache under a content id derived from the new message's
// identity before the operation is queued.
type Content struct {
	Body string
	Kind string // text, image, video, audio
	Blob []byte
}

// Engine is the synchronization facade. Write operations on a given chat
// are serialized; concurrent calls for different chats proceed
// independently.
type Engine struct {
	db          *store.DB
	cache       *media.Cache
	queue       *outbox.Queue
	conn        *status.ConnMachine
	bus         *bus.Bus
	localUserID string
	logger      *zap.Logger

	seq atomic.Int64

	mu      sync.Mutex
	chatMus map[string]*sync.Mutex
	pins    map[string][]string // open chat id -> pinned content ids
}

// seqKey is the sync_state key holding the client id high-water mark.
const seqKey = "engine:client_seq"

// New creates the facade. The sequence counter resumes from the
// persisted high-water mark (clock-seeded on first run), so client
// identifiers stay monotonic even across a restart within the same
// clock millisecond.
func New(db *store.DB, cache *media.Cache, queue *outbox.Queue, conn *status.ConnMachine, b *bus.Bus, localUserID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		db:          db,
		cache:       cache,
		queue:       queue,
		conn:        conn,
		bus:         b,
		localUserID: localUserID,
		logger:      logger,
		chatMus:     make(map[string]*sync.Mutex),
		pins:        make(map[string][]string),
	}
	seed := time.Now().UnixMilli()
	if raw, err := db.Checkpoint(seqKey); err == nil && raw != "" {
		if stored, perr := strconv.ParseInt(raw, 10, 64); perr == nil && stored > seed {
			seed = stored
		}
	}
	e.seq.Store(seed)
	return e
}

// nextClientID assigns a client-side message identity: a monotonically
// increasing local counter combined with the sender identity. The
// high-water mark is persisted so a fast restart cannot reissue an id.
func (e *Engine) nextClientID() string {
	n := e.seq.Add(1)
	if err := e.db.SetCheckpoint(seqKey, strconv.FormatInt(n, 10)); err != nil {
		e.logger.Warn("failed to persist client id watermark", zap.Error(err))
	}
	return fmt.Sprintf("%s-%d", e.localUserID, n)
}

func (e *Engine) chatLock(chatID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.chatMus[chatID]
	if !ok {
		m = &sync.Mutex{}
		e.chatMus[chatID] = m
	}
	return m
}

// Chat returns the current cached view for a chat.
func (e *Engine) Chat(chatID string) (*store.ChatView, error) {
	return e.db.GetChat(chatID)
}

// ConnectionState returns the transport connection state.
func (e *Engine) ConnectionState() status.ConnState {
	return e.conn.Current()
}

// Send inserts a pending message locally and queues its transmission.
// The returned client message id identifies the message until (and
// after) the server assigns its own identifier.
func (e *Engine) Send(chatID string, content Content) (string, error) {
	mu := e.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	if content.Kind == "" {
		content.Kind = "text"
	}
	clientID := e.nextClientID()
	now := time.Now().UnixMilli()

	contentID := ""
	if len(content.Blob) > 0 {
		contentID = media.ContentID(chatID, clientID)
		if _, err := e.cache.Store(contentID, content.Blob, content.Kind); err != nil {
			return "", fmt.Errorf("store media: %w", err)
		}
	}

	msg := &store.Message{
		ChatID:      chatID,
		ClientMsgID: clientID,
		SenderID:    e.localUserID,
		Body:        content.Body,
		Kind:        content.Kind,
		ContentID:   contentID,
		Status:      status.Pending,
		Timestamp:   now,
	}
	if err := e.db.PutMessage(msg); err != nil {
		return "", fmt.Errorf("optimistic insert: %w", err)
	}
	e.bus.Publish(bus.Event{
		Kind:    bus.KindMessageInserted,
		Payload: bus.MessageRef{ChatID: chatID, ClientMsgID: clientID, Status: status.Pending},
	})

	if err := e.enqueue(wire.OpSend, chatID, clientID, &wire.Payload{
		Body:      content.Body,
		Kind:      content.Kind,
		ContentID: contentID,
	}, now); err != nil {
		return "", err
	}
	return clientID, nil
}

// EditMessage replaces a message's body locally and queues the edit.
func (e *Engine) EditMessage(chatID, msgID, newBody string) error {
	mu := e.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	clientID, err := e.db.UpdateBody(chatID, msgID, newBody)
	if err != nil {
		return err
	}
	if clientID == "" {
		return fmt.Errorf("edit: unknown message %s", msgID)
	}
	e.bus.Publish(bus.Event{
		Kind:    bus.KindMessageStatusChanged,
		Payload: bus.MessageRef{ChatID: chatID, ClientMsgID: clientID},
	})

	opID := e.nextClientID()
	return e.enqueue(wire.OpEdit, chatID, opID, &wire.Payload{
		Body:        newBody,
		TargetMsgID: msgID,
	}, time.Now().UnixMilli())
}

// DeleteMessage tombstones a message locally, cancels its in-flight send
// if one is still queued, evicts its media asset, and queues the delete.
func (e *Engine) DeleteMessage(chatID, msgID string) error {
	mu := e.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	m, err := e.db.DeleteMessage(chatID, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("delete: unknown message %s", msgID)
	}

	// A send that has not been acknowledged yet is cancelled outright;
	// any in-flight network result for it is ignored on return.
	if op, err := e.db.GetOp(m.ClientMsgID); err == nil && op != nil && op.Status != store.OpFailed {
		if err := e.queue.Cancel(m.ClientMsgID); err != nil {
			e.logger.Warn("failed to cancel queued send", zap.Error(err), zap.String("client_msg_id", m.ClientMsgID))
		}
	}
	if m.ContentID != "" {
		if err := e.cache.Evict(m.ContentID); err != nil {
			e.logger.Warn("failed to evict media", zap.Error(err), zap.String("content_id", m.ContentID))
		}
	}
	e.bus.Publish(bus.Event{
		Kind:    bus.KindMessageStatusChanged,
		Payload: bus.MessageRef{ChatID: chatID, ClientMsgID: m.ClientMsgID},
	})

	opID := e.nextClientID()
	return e.enqueue(wire.OpDelete, chatID, opID, &wire.Payload{
		TargetMsgID: firstNonEmpty(m.ServerMsgID, m.ClientMsgID),
	}, time.Now().UnixMilli())
}

// MarkRead advances the chat's last-read marker to the given message and
// queues the read receipt.
func (e *Engine) MarkRead(chatID, upToMsgID string) error {
	mu := e.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	m, err := e.db.GetMessage(chatID, upToMsgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("mark read: unknown message %s", upToMsgID)
	}
	if err := e.db.SetLastRead(chatID, m.Timestamp); err != nil {
		return err
	}

	opID := e.nextClientID()
	return e.enqueue(wire.OpMarkRead, chatID, opID, &wire.Payload{
		UpToServerID: firstNonEmpty(m.ServerMsgID, m.ClientMsgID),
	}, time.Now().UnixMilli())
}

// RetryMessage revives a failed message for another round of attempts.
func (e *Engine) RetryMessage(chatID, clientMsgID string) error {
	mu := e.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()
	return e.queue.Retry(chatID, clientMsgID)
}

// Draft returns the stored draft for a chat.
func (e *Engine) Draft(chatID string) (string, error) {
	return e.db.Draft(chatID)
}

// SetDraft stores the draft string for a chat.
func (e *Engine) SetDraft(chatID, draft string) error {
	return e.db.SetDraft(chatID, draft)
}

// ScrollAnchor returns the persisted scroll position for a chat.
func (e *Engine) ScrollAnchor(chatID string) (*store.ScrollAnchor, error) {
	return e.db.GetScrollAnchor(chatID)
}

// SetScrollAnchor persists the scroll position for a chat.
func (e *Engine) SetScrollAnchor(chatID string, anchor *store.ScrollAnchor) error {
	return e.db.SetScrollAnchor(chatID, anchor)
}

// OpenChat marks a chat as visible, pinning its media assets against
// size-ceiling eviction until CloseChat.
func (e *Engine) OpenChat(chatID string) error {
	view, err := e.db.GetChat(chatID)
	if err != nil {
		return err
	}
	var pinned []string
	for _, m := range view.Messages {
		if m.ContentID != "" {
			e.cache.Pin(m.ContentID)
			pinned = append(pinned, m.ContentID)
		}
	}
	e.mu.Lock()
	e.pins[chatID] = append(e.pins[chatID], pinned...)
	e.mu.Unlock()
	return nil
}

// CloseChat releases the pins taken by OpenChat.
func (e *Engine) CloseChat(chatID string) {
	e.mu.Lock()
	pinned := e.pins[chatID]
	delete(e.pins, chatID)
	e.mu.Unlock()
	for _, contentID := range pinned {
		e.cache.Unpin(contentID)
	}
}

// enqueue writes the operation to the durable queue and kicks the
// drainer: live connections flush immediately, otherwise the operation
// waits for reconnect.
func (e *Engine) enqueue(op, chatID, clientID string, payload *wire.Payload, at int64) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := e.db.EnqueueOp(&store.OutboxOp{
		ClientMsgID: clientID,
		ChatID:      chatID,
		Op:          op,
		Payload:     string(encoded),
		EnqueuedAt:  at,
	}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	e.queue.Flush()
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
