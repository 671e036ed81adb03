package server

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hennii/dr-client/pkg/events"
)

// historyChannels are the stream ids kept for replay to new
// subscribers. The rest of the event stream is live-only.
var historyChannels = map[string]bool{
	"thoughts": true,
	"combat":   true,
	"death":    true,
}

// HistoryStore persists select stream channels to SQLite so a
// subscriber joining mid-session still sees recent thoughts, combat
// and deaths. It subscribes to the broadcaster like any other
// consumer.
type HistoryStore struct {
	db *sql.DB

	// cleanupTick paces the retention sweep. Overridable in tests.
	cleanupTick time.Duration

	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// OpenHistoryStore opens or creates the history database.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS stream_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_stream_history_channel
		ON stream_history (channel, id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history index: %w", err)
	}
	return &HistoryStore{db: db, cleanupTick: 1 * time.Hour, done: make(chan struct{})}, nil
}

// Close stops delivery and the retention sweep, then closes the
// database.
func (h *HistoryStore) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()
	return h.db.Close()
}

// Deliver implements the broadcaster subscriber. Only stream events on
// tracked channels are stored; the serialized payload is unused.
func (h *HistoryStore) Deliver(batch []events.Event, _ []byte) {
	for _, ev := range batch {
		if ev.Type != events.EvStream || !historyChannels[ev.ID] {
			continue
		}
		if _, err := h.db.Exec(
			"INSERT INTO stream_history (channel, text, created_at) VALUES (?, ?, ?)",
			ev.ID, ev.Text, time.Now().Unix(),
		); err != nil {
			log.Printf("history: insert error: %v", err)
		}
	}
}

// Closed implements the broadcaster subscriber.
func (h *HistoryStore) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Recent returns up to limit stored events per tracked channel, oldest
// first, ready to hand to a new subscriber before live batches.
func (h *HistoryStore) Recent(limit int) ([]events.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []events.Event
	for channel := range historyChannels {
		evs, err := h.recentChannel(channel, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

func (h *HistoryStore) recentChannel(channel string, limit int) ([]events.Event, error) {
	rows, err := h.db.Query(`SELECT text FROM (
			SELECT id, text FROM stream_history WHERE channel = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", channel, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		out = append(out, events.Event{Type: events.EvStream, ID: channel, Text: text})
	}
	return out, rows.Err()
}

// StartRetentionCleanup purges entries older than retention, hourly,
// until Close.
func (h *HistoryStore) StartRetentionCleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.cleanupTick)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.purgeOlderThan(time.Now().Add(-retention).Unix())
			}
		}
	}()
}

func (h *HistoryStore) purgeOlderThan(cutoff int64) {
	res, err := h.db.Exec("DELETE FROM stream_history WHERE created_at < ?", cutoff)
	if err != nil {
		log.Printf("history: cleanup error: %v", err)
		return
	}
	if purged, _ := res.RowsAffected(); purged > 0 {
		log.Printf("history: purged %d old entries", purged)
	}
}
