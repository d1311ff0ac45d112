// Package queue implements the gateway's durable store-and-forward buffer:
// an ordered FIFO of (topic, payload) records backed by an embedded SQLite
// database, so buffered telemetry survives process restarts.
package queue

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vineguard/edge-gateway/internal/logger"
)

// Item is a single buffered message, as read back from storage in ascending
// id order.
type Item struct {
	ID        int64
	Topic     string
	Payload   string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS queued_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at REAL NOT NULL
)`

const defaultBatchLimit = 50

// Queue is a thread-safe, durable FIFO. A single internal mutex serialises
// every operation, mirroring the teacher gateway's own single-lock
// discipline around its MQTT client state.
type Queue struct {
	lg logger.Logger

	mu sync.Mutex
	db *sql.DB
}

// Open creates (if necessary) and opens the SQLite-backed queue at path. A
// corrupted store surfaces as an error here — startup must treat this as
// fatal, per the gateway's error taxonomy.
func Open(path string, lg logger.Logger) (*Queue, error) {
	if lg == nil {
		lg = logger.Null
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	return &Queue{lg: lg, db: db}, nil
}

// Enqueue durably appends a new row. The returned error, if any, is fatal
// for the caller's current operation — store errors are never silenced.
func (q *Queue) Enqueue(topic, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(
		"INSERT INTO queued_messages (topic, payload, created_at) VALUES (?, ?, ?)",
		topic, payload, float64(time.Now().UnixNano())/1e9,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// GetBatch returns up to limit oldest items in ascending id order, without
// mutating the queue. limit <= 0 uses the default of 50.
func (q *Queue) GetBatch(limit int) ([]Item, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(
		"SELECT id, topic, payload, created_at FROM queued_messages ORDER BY id ASC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: get batch: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var createdAt float64
		if err := rows.Scan(&it.ID, &it.Topic, &it.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("queue: scan row: %w", err)
		}
		it.CreatedAt = time.Unix(0, int64(createdAt*1e9))
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate rows: %w", err)
	}
	return items, nil
}

// Remove deletes the listed rows in a single atomic transaction. Callers
// guarantee the ids came from a recent GetBatch. An empty id list is a no-op.
func (q *Queue) Remove(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("queue: remove: begin tx: %w", err)
	}
	stmt, err := tx.Prepare("DELETE FROM queued_messages WHERE id = ?")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("queue: remove: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return fmt.Errorf("queue: remove: delete %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: remove: commit: %w", err)
	}
	return nil
}

// Count returns the exact current number of buffered messages.
func (q *Queue) Count() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int64
	if err := q.db.QueryRow("SELECT COUNT(1) FROM queued_messages").Scan(&count); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return count, nil
}

// Close releases the backing store.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("queue: close: %w", err)
	}
	return nil
}
