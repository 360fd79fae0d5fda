// Package outbox drains the durable outbound queue: operations that
// could not be transmitted immediately are retried with exponential
// backoff until acknowledged or the retry ceiling is reached.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matheus3301/msgsync/internal/backoff"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/wire"
	"go.uber.org/zap"
)

// OpSender transmits an operation. transport.Session satisfies it; it
// fails fast when disconnected, which schedules a retry here.
type OpSender interface {
	Send(op *wire.Operation) error
}

// Queue drains outbox rows from the store. Per-chat enqueue order is
// preserved; operations for different chats may interleave.
type Queue struct {
	db     *store.DB
	sender OpSender
	bus    *bus.Bus
	logger *zap.Logger

	policy         backoff.Policy
	maxAttempts    int
	interSendDelay time.Duration

	flushC chan struct{}
	cancel context.CancelFunc
}

// New creates an outbox queue drainer.
func New(db *store.DB, sender OpSender, b *bus.Bus, policy backoff.Policy, maxAttempts int, interSendDelay time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:             db,
		sender:         sender,
		bus:            b,
		logger:         logger,
		policy:         policy,
		maxAttempts:    maxAttempts,
		interSendDelay: interSendDelay,
		flushC:         make(chan struct{}, 1),
	}
}

// Start reconstructs the queue from the store and begins the drain loop
// on a dedicated goroutine. In-flight rows from a previous process are
// returned to pending: their outcome was never recorded.
func (q *Queue) Start(ctx context.Context) error {
	reset, err := q.db.ResetInFlightOps()
	if err != nil {
		return err
	}
	pending, err := q.db.PendingOps()
	if err != nil {
		return err
	}
	if len(pending) > 0 || reset > 0 {
		q.logger.Info("outbox reconstructed",
			zap.Int("pending", len(pending)),
			zap.Int64("reset_in_flight", reset))
	}

	connCh, unsub := q.bus.Subscribe(bus.KindConnChanged, 16)
	ctx, q.cancel = context.WithCancel(ctx)
	go q.loop(ctx, connCh, unsub)
	return nil
}

// Stop stops the drain loop.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

// Flush kicks the drain loop immediately. Called by the reconciler on
// reconnect; safe to call from any goroutine, coalesces.
func (q *Queue) Flush() {
	select {
	case q.flushC <- struct{}{}:
	default:
	}
}

// Cancel moves an operation to permanently-failed immediately and
// suppresses any future retry. A result from an already in-flight
// network write is ignored on return.
func (q *Queue) Cancel(clientMsgID string) error {
	return q.db.FailOp(clientMsgID, "cancelled")
}

// Retry revives a permanently failed operation: it re-enters the queue
// at pending with the retry count reset, and the underlying message
// returns to pending.
func (q *Queue) Retry(chatID, clientMsgID string) error {
	revived, err := q.db.ReviveOp(clientMsgID)
	if err != nil {
		return err
	}
	if !revived {
		return nil
	}
	changed, err := q.db.UpdateStatus(chatID, clientMsgID, status.Pending)
	if err != nil {
		return err
	}
	if changed != "" {
		q.bus.Publish(bus.Event{
			Kind:    bus.KindMessageStatusChanged,
			Payload: bus.MessageRef{ChatID: chatID, ClientMsgID: clientMsgID, Status: status.Pending},
		})
	}
	q.Flush()
	return nil
}

func (q *Queue) loop(ctx context.Context, connCh <-chan bus.Event, unsub func()) {
	defer unsub()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.processDue(ctx)
		case <-q.flushC:
			q.processDue(ctx)
		case evt := <-connCh:
			if change, ok := evt.Payload.(status.ConnChange); ok && change.To == status.Connected {
				q.recoverInFlight()
				q.processDue(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// recoverInFlight resolves rows stranded by a dropped connection: an
// in_flight op whose ack never arrived goes back to pending, and
// backoff timers accumulated while disconnected are cleared so the
// backlog drains paced only by the inter-send delay. Retransmission is
// safe; the server deduplicates on the client message id.
func (q *Queue) recoverInFlight() {
	reset, err := q.db.ResetInFlightOps()
	if err != nil {
		q.logger.Error("failed to reset in-flight ops", zap.Error(err))
		return
	}
	rewound, err := q.db.RewindRetrySchedules()
	if err != nil {
		q.logger.Error("failed to rewind retry schedules", zap.Error(err))
		return
	}
	if reset > 0 || rewound > 0 {
		q.logger.Info("outbox recovered on reconnect",
			zap.Int64("reset_in_flight", reset),
			zap.Int64("rewound_retries", rewound))
	}
}

func (q *Queue) processDue(ctx context.Context) {
	due, err := q.db.DueOps(time.Now().UnixMilli())
	if err != nil {
		q.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for i, row := range due {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			// Space out consecutive flushes so a reconnect does not
			// slam the transport with the whole backlog at once.
			select {
			case <-time.After(q.interSendDelay):
			case <-ctx.Done():
				return
			}
		}
		q.transmit(row)
	}
}

// transmit attempts one transmission of a due operation. On success the
// row stays in_flight until the server acknowledgment removes it; on
// failure the row is retry-scheduled or, past the ceiling, permanently
// failed with the underlying message marked failed.
func (q *Queue) transmit(row store.OutboxOp) {
	ok, err := q.db.MarkOpInFlight(row.ClientMsgID)
	if err != nil {
		q.logger.Error("failed to mark in flight", zap.Error(err), zap.String("client_msg_id", row.ClientMsgID))
		return
	}
	if !ok {
		// Cancelled or acknowledged since the due query.
		return
	}

	op, err := decodeOp(row)
	if err != nil {
		q.logger.Error("unreadable outbox payload, dropping",
			zap.Error(err), zap.String("client_msg_id", row.ClientMsgID))
		q.fail(row, "unreadable payload")
		return
	}

	if err := q.sender.Send(op); err != nil {
		attempts := row.RetryCount + 1
		if attempts >= q.maxAttempts {
			q.logger.Warn("retry ceiling reached",
				zap.String("client_msg_id", row.ClientMsgID),
				zap.Int("attempts", attempts),
				zap.Error(err))
			q.fail(row, err.Error())
			return
		}
		delay := q.policy.Delay(row.RetryCount)
		next := time.Now().Add(delay).UnixMilli()
		if serr := q.db.ScheduleOpRetry(row.ClientMsgID, next, err.Error()); serr != nil {
			q.logger.Error("failed to schedule retry", zap.Error(serr), zap.String("client_msg_id", row.ClientMsgID))
			return
		}
		metrics.OutboxRetries.Inc()
		q.logger.Info("transmission failed, retry scheduled",
			zap.String("client_msg_id", row.ClientMsgID),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", delay))
		return
	}

	metrics.OutboxSent.Inc()
	q.logger.Info("operation transmitted",
		zap.String("client_msg_id", row.ClientMsgID),
		zap.String("op", row.Op),
		zap.String("chat_id", row.ChatID))
}

// fail moves the operation to permanently-failed and marks the
// underlying message failed. The operation is kept, not silently
// dropped, so an explicit user retry can revive it.
func (q *Queue) fail(row store.OutboxOp, reason string) {
	if err := q.db.FailOp(row.ClientMsgID, reason); err != nil {
		q.logger.Error("failed to mark op failed", zap.Error(err), zap.String("client_msg_id", row.ClientMsgID))
		return
	}
	metrics.OutboxFailed.Inc()

	changed, err := q.db.UpdateStatus(row.ChatID, row.ClientMsgID, status.Failed)
	if err != nil {
		q.logger.Error("failed to mark message failed", zap.Error(err), zap.String("client_msg_id", row.ClientMsgID))
		return
	}
	if changed != "" {
		q.bus.Publish(bus.Event{
			Kind:    bus.KindMessageStatusChanged,
			Payload: bus.MessageRef{ChatID: row.ChatID, ClientMsgID: row.ClientMsgID, Status: status.Failed},
		})
	}
}

func decodeOp(row store.OutboxOp) (*wire.Operation, error) {
	var payload *wire.Payload
	if row.Payload != "" {
		payload = &wire.Payload{}
		if err := json.Unmarshal([]byte(row.Payload), payload); err != nil {
			return nil, err
		}
	}
	return &wire.Operation{
		Op:          row.Op,
		ChatID:      row.ChatID,
		ClientMsgID: row.ClientMsgID,
		Payload:     payload,
		SentAt:      row.EnqueuedAt,
	}, nil
}
