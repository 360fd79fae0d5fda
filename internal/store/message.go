package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/msgsync/internal/status"
)

// PutMessage inserts or updates a message (upsert on chat_id + client_msg_id).
// On update the status only changes if it is a forward transition, and the
// chat's retained-count bound is enforced by evicting the oldest rows.
func (db *DB) PutMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessageTx(tx, m); err != nil {
		return err
	}
	if err := enforceBoundTx(tx, m.ChatID, db.maxMessagesPerChat); err != nil {
		return err
	}
	if err := touchChatTx(tx, m.ChatID); err != nil {
		return err
	}
	return tx.Commit()
}

// PutMessages inserts or updates a batch of messages in one transaction.
// Used by the reconciler to merge gap-fill batches.
func (db *DB) PutMessages(chatID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		if err := upsertMessageTx(tx, &msgs[i]); err != nil {
			return err
		}
	}
	if err := enforceBoundTx(tx, chatID, db.maxMessagesPerChat); err != nil {
		return err
	}
	if err := touchChatTx(tx, chatID); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMessageTx(tx *sql.Tx, m *Message) error {
	var curStatus string
	err := tx.QueryRow(`SELECT status FROM messages WHERE chat_id = ? AND client_msg_id = ?`,
		m.ChatID, m.ClientMsgID).Scan(&curStatus)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO messages (chat_id, client_msg_id, server_msg_id, sender_id, body, kind, content_id, status, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ChatID, m.ClientMsgID, m.ServerMsgID, m.SenderID, m.Body, m.Kind, m.ContentID, m.Status, m.Timestamp, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup message: %w", err)
	}

	newStatus := curStatus
	if status.CanTransition(curStatus, m.Status) {
		newStatus = m.Status
	}
	_, err = tx.Exec(`
		UPDATE messages SET server_msg_id = CASE WHEN ? != '' THEN ? ELSE server_msg_id END,
			body = ?, kind = ?, content_id = ?, status = ?
		WHERE chat_id = ? AND client_msg_id = ?`,
		m.ServerMsgID, m.ServerMsgID, m.Body, m.Kind, m.ContentID, newStatus, m.ChatID, m.ClientMsgID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func enforceBoundTx(tx *sql.Tx, chatID string, bound int) error {
	_, err := tx.Exec(`
		DELETE FROM messages WHERE chat_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE chat_id = ?
			ORDER BY timestamp DESC, client_msg_id DESC LIMIT ?)`,
		chatID, chatID, bound)
	if err != nil {
		return fmt.Errorf("enforce bound: %w", err)
	}
	return nil
}

func touchChatTx(tx *sql.Tx, chatID string) error {
	now := time.Now().UnixMilli()
	_, err := tx.Exec(`
		INSERT INTO chats (chat_id, updated_at) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET updated_at = excluded.updated_at`,
		chatID, now)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// UpdateStatus applies a forward-only status transition to the message
// identified by either its client or its server identifier. A requested
// transition that is not forward is a no-op, not an error. Returns the
// affected message's client id, or "" when nothing changed.
func (db *DB) UpdateStatus(chatID, msgID, to string) (string, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var clientID, cur string
	err = tx.QueryRow(`
		SELECT client_msg_id, status FROM messages
		WHERE chat_id = ? AND (client_msg_id = ? OR server_msg_id = ?)`,
		chatID, msgID, msgID).Scan(&clientID, &cur)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup message: %w", err)
	}
	if !status.CanTransition(cur, to) {
		return "", nil
	}
	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE chat_id = ? AND client_msg_id = ?`,
		to, chatID, clientID); err != nil {
		return "", fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return clientID, nil
}

// BindServerID records the server identifier for a locally created
// message, so both identifiers resolve to the same logical message.
func (db *DB) BindServerID(chatID, clientMsgID, serverMsgID string) error {
	_, err := db.Exec(`UPDATE messages SET server_msg_id = ? WHERE chat_id = ? AND client_msg_id = ?`,
		serverMsgID, chatID, clientMsgID)
	return err
}

// GetMessage returns a message by client or server identifier, or nil.
func (db *DB) GetMessage(chatID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_id, client_msg_id, server_msg_id, sender_id, body, kind, content_id, status, timestamp
		FROM messages WHERE chat_id = ? AND (client_msg_id = ? OR server_msg_id = ?)`,
		chatID, msgID, msgID).
		Scan(&m.ID, &m.ChatID, &m.ClientMsgID, &m.ServerMsgID, &m.SenderID, &m.Body, &m.Kind, &m.ContentID, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateBody replaces a message's content payload in place. Used by
// local and remote edits; identity and ordering are untouched.
func (db *DB) UpdateBody(chatID, msgID, body string) (string, error) {
	m, err := db.GetMessage(chatID, msgID)
	if err != nil || m == nil {
		return "", err
	}
	_, err = db.Exec(`UPDATE messages SET body = ? WHERE chat_id = ? AND client_msg_id = ?`,
		body, chatID, m.ClientMsgID)
	if err != nil {
		return "", fmt.Errorf("update body: %w", err)
	}
	return m.ClientMsgID, nil
}

// DeleteMessage tombstones a message: body and media reference are
// cleared and the kind becomes "deleted". The row keeps its place in the
// sequence so remote delete events stay idempotent.
func (db *DB) DeleteMessage(chatID, msgID string) (*Message, error) {
	m, err := db.GetMessage(chatID, msgID)
	if err != nil || m == nil {
		return nil, err
	}
	_, err = db.Exec(`
		UPDATE messages SET body = '', content_id = '', kind = 'deleted'
		WHERE chat_id = ? AND client_msg_id = ?`,
		chatID, m.ClientMsgID)
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

// EvictOlderThan removes messages older than the given age across all
// chats. Returns the number of rows removed.
func (db *DB) EvictOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ChatIDs returns every chat id known to the store.
func (db *DB) ChatIDs() ([]string, error) {
	rows, err := db.Query(`SELECT chat_id FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
