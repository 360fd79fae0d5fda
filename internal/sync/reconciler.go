// Package sync implements the reconciler: the single point where cached
// and live-transport truths are merged into one ordered, de-duplicated
// view per chat.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/wire"
	"go.uber.org/zap"
)

// Flusher kicks the outbound queue. Satisfied by *outbox.Queue.
type Flusher interface {
	Flush()
}

// GapFiller transmits a gap-fill request. Satisfied by the transport
// session's Send; the server answers with a gapFillBatch event.
type GapFiller interface {
	Send(op *wire.Operation) error
}

// checkpointKey returns the sync_state key holding a chat's
// last-acknowledged server sequence marker.
func checkpointKey(chatID string) string {
	return "gapfill:" + chatID
}

// Reconciler merges store contents with transport events. Events for
// one chat are applied strictly in arrival order by a per-chat worker;
// different chats proceed concurrently.
type Reconciler struct {
	db          *store.DB
	bus         *bus.Bus
	flusher     Flusher
	gapFiller   GapFiller
	localUserID string
	logger      *zap.Logger

	workers map[string]chan *wire.Event
	retries *gapFillRetrier

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a reconciler.
func New(db *store.DB, b *bus.Bus, flusher Flusher, gapFiller GapFiller, localUserID string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		db:          db,
		bus:         b,
		flusher:     flusher,
		gapFiller:   gapFiller,
		localUserID: localUserID,
		logger:      logger,
		workers:     make(map[string]chan *wire.Event),
	}
	r.retries = newGapFillRetrier(r)
	return r
}

// Start consumes the inbound event stream and reconnect notifications.
func (r *Reconciler) Start(ctx context.Context, events <-chan *wire.Event) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	connCh, unsub := r.bus.Subscribe(bus.KindConnChanged, 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				r.dispatch(evt)
			case evt := <-connCh:
				if change, ok := evt.Payload.(status.ConnChange); ok && change.To == status.Connected {
					r.onConnected()
				}
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler and its workers.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.retries.stop()
}

// dispatch routes an event to its chat's serialized worker. Signal
// events carry no chat ordering requirement and fan straight out on the
// bus without touching the store or the queue.
func (r *Reconciler) dispatch(evt *wire.Event) {
	if evt.Type == wire.EventSignal {
		r.bus.Publish(bus.Event{Kind: bus.KindSignalReceived, Payload: evt})
		return
	}

	ch, ok := r.workers[evt.ChatID]
	if !ok {
		ch = make(chan *wire.Event, 64)
		r.workers[evt.ChatID] = ch
		go r.chatWorker(evt.ChatID, ch)
	}
	select {
	case ch <- evt:
	case <-r.ctx.Done():
	}
}

func (r *Reconciler) chatWorker(chatID string, ch <-chan *wire.Event) {
	for {
		select {
		case evt := <-ch:
			if err := r.Apply(evt); err != nil {
				r.logger.Error("failed to apply event",
					zap.String("chat_id", chatID),
					zap.String("type", evt.Type),
					zap.Error(err))
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// Apply merges a single event into the store. Exported for tests, which
// call it directly to control ordering.
func (r *Reconciler) Apply(evt *wire.Event) error {
	switch evt.Type {
	case wire.EventNewMessage:
		return r.applyNewMessage(evt)
	case wire.EventStatusUpdate:
		return r.applyStatusUpdate(evt)
	case wire.EventGapFillBatch:
		return r.applyGapFill(evt)
	case wire.EventSignal:
		r.bus.Publish(bus.Event{Kind: bus.KindSignalReceived, Payload: evt})
		return nil
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
}

// applyNewMessage upserts an inbound message. A message whose identifier
// is already present is a status refresh, not a new insertion.
func (r *Reconciler) applyNewMessage(evt *wire.Event) error {
	msg := messageFromEvent(evt)

	existing, err := r.db.GetMessage(evt.ChatID, firstNonEmpty(evt.ServerMsgID, evt.ClientMsgID))
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		if evt.ServerMsgID != "" && existing.ServerMsgID == "" {
			if err := r.db.BindServerID(evt.ChatID, existing.ClientMsgID, evt.ServerMsgID); err != nil {
				return err
			}
		}
		changed, err := r.db.UpdateStatus(evt.ChatID, existing.ClientMsgID, msg.Status)
		if err != nil {
			return err
		}
		if changed != "" {
			r.bus.Publish(bus.Event{
				Kind:    bus.KindMessageStatusChanged,
				Payload: bus.MessageRef{ChatID: evt.ChatID, ClientMsgID: changed, Status: msg.Status},
			})
		}
		return r.advanceCheckpoint(evt)
	}

	if err := r.db.PutMessage(msg); err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	metrics.MessagesIngested.Inc()
	r.bus.Publish(bus.Event{
		Kind:    bus.KindMessageInserted,
		Payload: bus.MessageRef{ChatID: msg.ChatID, ClientMsgID: msg.ClientMsgID, Status: msg.Status},
	})
	if msg.SenderID != r.localUserID && msg.Status != status.Read {
		r.bus.Publish(bus.Event{
			Kind:    bus.KindChatUnread,
			Payload: bus.MessageRef{ChatID: msg.ChatID, ClientMsgID: msg.ClientMsgID},
		})
	}
	return r.advanceCheckpoint(evt)
}

// applyStatusUpdate applies a forward-only status transition. When the
// event acknowledges a locally queued operation it also removes the
// outbox entry and records the server identifier.
func (r *Reconciler) applyStatusUpdate(evt *wire.Event) error {
	if evt.ClientMsgID != "" {
		op, err := r.db.GetOp(evt.ClientMsgID)
		if err != nil {
			return fmt.Errorf("lookup op: %w", err)
		}
		if op != nil {
			if op.Status == store.OpFailed {
				// Cancelled while in flight: ignore the server result.
				return nil
			}
			if err := r.db.AckOp(evt.ClientMsgID); err != nil {
				return fmt.Errorf("ack op: %w", err)
			}
		}
		if evt.ServerMsgID != "" {
			if err := r.db.BindServerID(evt.ChatID, evt.ClientMsgID, evt.ServerMsgID); err != nil {
				return fmt.Errorf("bind server id: %w", err)
			}
		}
	}

	if !status.Valid(evt.Status) {
		return fmt.Errorf("unknown status %q", evt.Status)
	}
	msgID := firstNonEmpty(evt.ServerMsgID, evt.ClientMsgID)
	changed, err := r.db.UpdateStatus(evt.ChatID, msgID, evt.Status)
	if err != nil {
		return err
	}
	if changed != "" {
		metrics.StatusUpdates.Inc()
		r.bus.Publish(bus.Event{
			Kind:    bus.KindMessageStatusChanged,
			Payload: bus.MessageRef{ChatID: evt.ChatID, ClientMsgID: changed, Status: evt.Status},
		})
	}
	return r.advanceCheckpoint(evt)
}

// applyGapFill merges a batch of missed history. The merge is keyed by
// the sequence key, not arrival time: upserts land each message at its
// ordered position and duplicates collapse into status refreshes.
func (r *Reconciler) applyGapFill(evt *wire.Event) error {
	r.retries.resolved(evt.ChatID)

	var fresh []store.Message
	for i := range evt.Batch {
		item := &evt.Batch[i]
		item.ChatID = evt.ChatID
		existing, err := r.db.GetMessage(evt.ChatID, firstNonEmpty(item.ServerMsgID, item.ClientMsgID))
		if err != nil {
			return fmt.Errorf("dedup lookup: %w", err)
		}
		if existing != nil {
			changed, err := r.db.UpdateStatus(evt.ChatID, existing.ClientMsgID, item.Status)
			if err != nil {
				return err
			}
			if changed != "" {
				r.bus.Publish(bus.Event{
					Kind:    bus.KindMessageStatusChanged,
					Payload: bus.MessageRef{ChatID: evt.ChatID, ClientMsgID: changed, Status: item.Status},
				})
			}
			continue
		}
		fresh = append(fresh, *messageFromEvent(item))
	}

	if len(fresh) > 0 {
		if err := r.db.PutMessages(evt.ChatID, fresh); err != nil {
			return fmt.Errorf("merge gap fill: %w", err)
		}
		for _, m := range fresh {
			r.bus.Publish(bus.Event{
				Kind:    bus.KindMessageInserted,
				Payload: bus.MessageRef{ChatID: m.ChatID, ClientMsgID: m.ClientMsgID, Status: m.Status},
			})
			if m.SenderID != r.localUserID && m.Status != status.Read {
				r.bus.Publish(bus.Event{
					Kind:    bus.KindChatUnread,
					Payload: bus.MessageRef{ChatID: m.ChatID, ClientMsgID: m.ClientMsgID},
				})
			}
		}
	}

	metrics.GapFills.Inc()
	r.bus.Publish(bus.Event{
		Kind:    bus.KindGapFillMerged,
		Payload: map[string]any{"chat_id": evt.ChatID, "merged": len(fresh)},
	})

	marker := evt.LastSeq
	if marker == "" && len(evt.Batch) > 0 {
		marker = evt.Batch[len(evt.Batch)-1].ServerMsgID
	}
	if marker != "" {
		return r.db.SetCheckpoint(checkpointKey(evt.ChatID), marker)
	}
	return nil
}

// advanceCheckpoint records the newest server sequence marker seen on a
// live event, so the next gap-fill resumes past it.
func (r *Reconciler) advanceCheckpoint(evt *wire.Event) error {
	if evt.ServerMsgID == "" {
		return nil
	}
	return r.db.SetCheckpoint(checkpointKey(evt.ChatID), evt.ServerMsgID)
}

// onConnected drives reconnect recovery: flush the outbound queue and
// request gap-fills for every known chat.
func (r *Reconciler) onConnected() {
	metrics.Reconnects.Inc()
	r.flusher.Flush()

	chats, err := r.db.ChatIDs()
	if err != nil {
		r.logger.Error("failed to list chats for gap fill", zap.Error(err))
		return
	}
	for _, chatID := range chats {
		r.retries.request(chatID)
	}
}

// requestGapFill transmits one gap-fill request for a chat. Returned
// errors schedule an independent retry; missed inbound history is a
// separate concern from unsent outbound operations.
func (r *Reconciler) requestGapFill(chatID string) error {
	since, err := r.db.Checkpoint(checkpointKey(chatID))
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	return r.gapFiller.Send(&wire.Operation{
		Op:      wire.OpGapFill,
		ChatID:  chatID,
		Payload: &wire.Payload{SinceSeq: since},
		SentAt:  time.Now().UnixMilli(),
	})
}

func messageFromEvent(evt *wire.Event) *store.Message {
	clientID := evt.ClientMsgID
	if clientID == "" {
		// Remote-authored messages carry no client id; the server id is
		// the stable identity.
		clientID = evt.ServerMsgID
	}
	st := evt.Status
	if st == "" {
		st = status.Delivered
	}
	m := &store.Message{
		ChatID:      evt.ChatID,
		ClientMsgID: clientID,
		ServerMsgID: evt.ServerMsgID,
		SenderID:    evt.SenderID,
		Status:      st,
		Timestamp:   evt.Timestamp,
	}
	if evt.Payload != nil {
		m.Body = evt.Payload.Body
		m.Kind = evt.Payload.Kind
		m.ContentID = evt.Payload.ContentID
	}
	if m.Kind == "" {
		m.Kind = "text"
	}
	return m
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
