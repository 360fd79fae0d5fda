package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/store"
	"go.uber.org/zap"
)

// Notification is the typed event stream handed to presentation code.
type Notification struct {
	ID          string
	Kind        string // message.inserted, message.status_changed, chat.unread, conn.changed
	At          time.Time
	ChatID      string
	ClientMsgID string
	Status      string
}

// ObserveChat returns a stream of chat view snapshots: one immediately,
// then a fresh snapshot whenever the chat changes. Consecutive changes
// coalesce while the consumer is slow; the stream closes when ctx ends.
func (e *Engine) ObserveChat(ctx context.Context, chatID string) <-chan *store.ChatView {
	out := make(chan *store.ChatView, 1)

	ch, unsub := e.bus.Subscribe("", 128)

	snapshot := func() *store.ChatView {
		view, err := e.db.GetChat(chatID)
		if err != nil {
			e.logger.Error("snapshot failed", zap.String("chat_id", chatID), zap.Error(err))
			return nil
		}
		return view
	}

	push := func(view *store.ChatView) {
		if view == nil {
			return
		}
		// Coalesce: replace a not-yet-consumed snapshot with the newer one.
		select {
		case out <- view:
		default:
			select {
			case <-out:
			default:
			}
			out <- view
		}
	}

	go func() {
		defer unsub()
		defer close(out)

		push(snapshot())
		for {
			select {
			case evt := <-ch:
				if !concernsChat(evt, chatID) {
					continue
				}
				push(snapshot())
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Events returns the typed notification stream for UI refresh, carrying
// message insertions, status changes, unread signals, and connection
// changes. Closes when ctx ends.
func (e *Engine) Events(ctx context.Context) <-chan Notification {
	out := make(chan Notification, 64)
	ch, unsub := e.bus.Subscribe("", 128)

	go func() {
		defer unsub()
		defer close(out)
		for {
			select {
			case evt := <-ch:
				n, ok := toNotification(evt)
				if !ok {
					continue
				}
				select {
				case out <- n:
				default:
					// Slow consumer: drop rather than stall the engine.
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func toNotification(evt bus.Event) (Notification, bool) {
	n := Notification{
		ID:   uuid.NewString(),
		Kind: evt.Kind,
		At:   evt.Timestamp,
	}
	switch evt.Kind {
	case bus.KindMessageInserted, bus.KindMessageStatusChanged, bus.KindChatUnread:
		ref, ok := evt.Payload.(bus.MessageRef)
		if !ok {
			return Notification{}, false
		}
		n.ChatID = ref.ChatID
		n.ClientMsgID = ref.ClientMsgID
		n.Status = ref.Status
		return n, true
	case bus.KindConnChanged:
		return n, true
	default:
		return Notification{}, false
	}
}

func concernsChat(evt bus.Event, chatID string) bool {
	switch p := evt.Payload.(type) {
	case bus.MessageRef:
		return p.ChatID == chatID
	case map[string]any:
		id, _ := p["chat_id"].(string)
		return id == chatID
	default:
		return false
	}
}
