package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueOp adds an operation to the outbound queue. Enqueueing the same
// client_msg_id twice is an idempotent no-op, so a duplicate send cannot
// create two queue entries.
func (db *DB) EnqueueOp(op *OutboxOp) error {
	now := time.Now().UnixMilli()
	if op.EnqueuedAt == 0 {
		op.EnqueuedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, op, payload, status, retry_count, next_attempt_at, enqueued_at)
		VALUES (?, ?, ?, ?, 'pending', 0, 0, ?)
		ON CONFLICT(client_msg_id) DO NOTHING`,
		op.ClientMsgID, op.ChatID, op.Op, op.Payload, op.EnqueuedAt)
	return err
}

// DueOps returns operations ready for transmission: pending, due, and
// with no earlier unfinished operation for the same chat, preserving
// chat-relative enqueue order. Results are in global enqueue order.
func (db *DB) DueOps(now int64) ([]OutboxOp, error) {
	rows, err := db.Query(`
		SELECT o.id, o.client_msg_id, o.chat_id, o.op, o.payload, o.status, o.retry_count, o.next_attempt_at, o.enqueued_at, o.last_error
		FROM outbox o
		WHERE o.status = 'pending' AND o.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.chat_id = o.chat_id AND p.id < o.id AND p.status IN ('pending', 'in_flight'))
		ORDER BY o.id ASC`, now)
	if err != nil {
		return nil, err
	}
	return scanOps(rows)
}

// PendingOps returns every unfinished operation in enqueue order. Used to
// reconstruct the queue after a restart; in_flight rows from a previous
// process are counted, since their outcome was never recorded.
func (db *DB) PendingOps() ([]OutboxOp, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_id, op, payload, status, retry_count, next_attempt_at, enqueued_at, last_error
		FROM outbox WHERE status IN ('pending', 'in_flight') ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	return scanOps(rows)
}

// GetOp returns a single operation by client message id, or nil.
func (db *DB) GetOp(clientMsgID string) (*OutboxOp, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_id, op, payload, status, retry_count, next_attempt_at, enqueued_at, last_error
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return nil, err
	}
	ops, err := scanOps(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return &ops[0], nil
}

// MarkOpInFlight moves a pending operation to in_flight. Returns false
// if the operation was not pending (e.g. cancelled concurrently).
func (db *DB) MarkOpInFlight(clientMsgID string) (bool, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'in_flight' WHERE client_msg_id = ? AND status = 'pending'`,
		clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ScheduleOpRetry moves an in_flight operation back to pending with an
// incremented attempt count and the next attempt time.
func (db *DB) ScheduleOpRetry(clientMsgID string, nextAttemptAt int64, lastError string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'pending', retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?
		WHERE client_msg_id = ? AND status = 'in_flight'`,
		nextAttemptAt, lastError, clientMsgID)
	return err
}

// RewindRetrySchedules clears the backoff timers on pending rows so a
// reconnect flush drains them immediately instead of waiting out delays
// accumulated while disconnected.
func (db *DB) RewindRetrySchedules() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET next_attempt_at = 0 WHERE status = 'pending' AND next_attempt_at > 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetInFlightOps returns in_flight rows to pending: an in_flight row
// whose connection is gone (previous process, or a drop before the ack
// arrived) has an unknown outcome and must be retransmitted.
func (db *DB) ResetInFlightOps() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AckOp removes an acknowledged operation from the queue.
func (db *DB) AckOp(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// FailOp moves an operation to the terminal failed state. The operation
// stays in the table so it can be revived by an explicit user retry.
func (db *DB) FailOp(clientMsgID, lastError string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', last_error = ? WHERE client_msg_id = ?`,
		lastError, clientMsgID)
	return err
}

// ReviveOp re-enters a permanently failed operation at pending with the
// retry count reset to zero.
func (db *DB) ReviveOp(clientMsgID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = 'pending', retry_count = 0, next_attempt_at = 0, last_error = ''
		WHERE client_msg_id = ? AND status = 'failed'`, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanOps(rows *sql.Rows) ([]OutboxOp, error) {
	defer func() { _ = rows.Close() }()

	var ops []OutboxOp
	for rows.Next() {
		var o OutboxOp
		if err := rows.Scan(&o.ID, &o.ClientMsgID, &o.ChatID, &o.Op, &o.Payload, &o.Status,
			&o.RetryCount, &o.NextAttemptAt, &o.EnqueuedAt, &o.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		ops = append(ops, o)
	}
	return ops, rows.Err()
}
