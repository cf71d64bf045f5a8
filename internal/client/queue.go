package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// OutboxMessage is a message captured while the agent was offline (or
// still unsent), waiting for replay.
type OutboxMessage struct {
	ID          string
	RoomID      string
	Text        string
	MessageType string
	QueuedAt    time.Time
}

// Queue is the durable client-side outbox. Messages survive process
// restarts and replay in the order they were written.
type Queue struct {
	db *sql.DB
}

// NewQueue opens (or creates) the outbox database at dbPath.
func NewQueue(dbPath string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return q, nil
}

func (q *Queue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL,
		text TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		queued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS seen_messages (
		id TEXT PRIMARY KEY,
		seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		message_id TEXT PRIMARY KEY,
		delivered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := q.db.Exec(schema)
	return err
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends a message to the outbox.
func (q *Queue) Enqueue(msg OutboxMessage) error {
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now()
	}
	_, err := q.db.Exec(`
		INSERT OR IGNORE INTO outbox (id, room_id, text, message_type, queued_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID, msg.Text, msg.MessageType, msg.QueuedAt)
	return err
}

// Pending returns every queued message in enqueue order.
func (q *Queue) Pending() ([]OutboxMessage, error) {
	rows, err := q.db.Query(`
		SELECT id, room_id, text, message_type, queued_at
		FROM outbox ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Text, &msg.MessageType, &msg.QueuedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Delete removes a message once it has been handed to the connection.
// Server acknowledgement is recorded separately via MarkDelivered.
func (q *Queue) Delete(id string) error {
	_, err := q.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// Len reports the number of queued messages.
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

// RecordSeen remembers an inbound message id so replays after a
// reconnect can be suppressed across restarts.
func (q *Queue) RecordSeen(id string) error {
	_, err := q.db.Exec(`
		INSERT OR IGNORE INTO seen_messages (id) VALUES (?)
	`, id)
	return err
}

// Seen reports whether an inbound message id was already delivered to
// the application.
func (q *Queue) Seen(id string) (bool, error) {
	var one int
	err := q.db.QueryRow(`SELECT 1 FROM seen_messages WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// MarkDelivered records the server acknowledgement for a sent message.
// Transmission and acknowledgement are tracked separately: the outbox
// entry goes away on transmit, the delivery flag arrives later.
func (q *Queue) MarkDelivered(messageID string) error {
	_, err := q.db.Exec(`
		INSERT OR IGNORE INTO deliveries (message_id) VALUES (?)
	`, messageID)
	return err
}

// IsDelivered reports whether the server acknowledged a message.
func (q *Queue) IsDelivered(messageID string) (bool, error) {
	var one int
	err := q.db.QueryRow(`SELECT 1 FROM deliveries WHERE message_id = ?`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// PruneSeen drops dedup records older than the retention window.
func (q *Queue) PruneSeen(olderThan time.Duration) error {
	_, err := q.db.Exec(`
		DELETE FROM seen_messages WHERE seen_at < ?
	`, time.Now().Add(-olderThan))
	return err
}
