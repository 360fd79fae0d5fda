package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the engine-owned msgsync.db.
type DB struct {
	*sql.DB

	// maxMessagesPerChat bounds each chat's retained message count.
	maxMessagesPerChat int
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// maxMessagesPerChat bounds every chat view; oldest rows are evicted first.
func Open(path string, maxMessagesPerChat int) (*DB, error) {
	if maxMessagesPerChat <= 0 {
		maxMessagesPerChat = 500
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, maxMessagesPerChat: maxMessagesPerChat}, nil
}
