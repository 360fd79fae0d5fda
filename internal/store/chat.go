package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// GetChat returns the cached view for a chat. Messages are ordered
// ascending by (timestamp, client_msg_id). An unreadable record for this
// chat never propagates as an error: the view comes back empty with
// CacheUnavailable set, so one corrupt chat cannot block the others.
func (db *DB) GetChat(chatID string) (*ChatView, error) {
	view := &ChatView{ChatID: chatID}

	var anchorJSON string
	err := db.QueryRow(`SELECT last_read_ts, scroll_anchor, draft FROM chats WHERE chat_id = ?`,
		chatID).Scan(&view.LastReadTS, &anchorJSON, &view.Draft)
	switch {
	case err == sql.ErrNoRows:
		// Unknown chat: empty view, cache available.
	case err != nil:
		return &ChatView{ChatID: chatID, CacheUnavailable: true}, nil
	}

	if anchorJSON != "" {
		var anchor ScrollAnchor
		if err := json.Unmarshal([]byte(anchorJSON), &anchor); err != nil {
			return &ChatView{ChatID: chatID, CacheUnavailable: true}, nil
		}
		view.ScrollAnchor = &anchor
	}

	rows, err := db.Query(`
		SELECT id, chat_id, client_msg_id, server_msg_id, sender_id, body, kind, content_id, status, timestamp
		FROM messages WHERE chat_id = ?
		ORDER BY timestamp ASC, client_msg_id ASC`, chatID)
	if err != nil {
		return &ChatView{ChatID: chatID, CacheUnavailable: true}, nil
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ClientMsgID, &m.ServerMsgID, &m.SenderID,
			&m.Body, &m.Kind, &m.ContentID, &m.Status, &m.Timestamp); err != nil {
			return &ChatView{ChatID: chatID, CacheUnavailable: true}, nil
		}
		view.Messages = append(view.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return &ChatView{ChatID: chatID, CacheUnavailable: true}, nil
	}
	return view, nil
}

// SetDraft stores the draft string for a chat.
func (db *DB) SetDraft(chatID, draft string) error {
	return db.upsertChatField(chatID, "draft", draft)
}

// Draft returns the stored draft for a chat, or "".
func (db *DB) Draft(chatID string) (string, error) {
	var draft string
	err := db.QueryRow(`SELECT draft FROM chats WHERE chat_id = ?`, chatID).Scan(&draft)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return draft, err
}

// SetScrollAnchor persists the scroll position for a chat.
func (db *DB) SetScrollAnchor(chatID string, anchor *ScrollAnchor) error {
	encoded := ""
	if anchor != nil {
		data, err := json.Marshal(anchor)
		if err != nil {
			return err
		}
		encoded = string(data)
	}
	return db.upsertChatField(chatID, "scroll_anchor", encoded)
}

// GetScrollAnchor returns the persisted scroll position, or nil.
func (db *DB) GetScrollAnchor(chatID string) (*ScrollAnchor, error) {
	var encoded string
	err := db.QueryRow(`SELECT scroll_anchor FROM chats WHERE chat_id = ?`, chatID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, nil
	}
	var anchor ScrollAnchor
	if err := json.Unmarshal([]byte(encoded), &anchor); err != nil {
		return nil, err
	}
	return &anchor, nil
}

// SetLastRead stores the last-read marker for a chat.
func (db *DB) SetLastRead(chatID string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, last_read_ts, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_read_ts = MAX(chats.last_read_ts, excluded.last_read_ts),
			updated_at = excluded.updated_at`,
		chatID, ts, now)
	return err
}

func (db *DB) upsertChatField(chatID, column, value string) error {
	now := time.Now().UnixMilli()
	// column is always a compile-time constant from this file.
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, `+column+`, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET `+column+` = excluded.`+column+`, updated_at = excluded.updated_at`,
		chatID, value, now)
	return err
}
