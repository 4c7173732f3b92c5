package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"foreman/internal/domain"
)

// AuditStore persists the task and message event streams to SQLite so
// terminal task states and message dispositions survive restarts and
// can be queried after the fact. It is strictly a sink: the in-memory
// tables in the usecase layer stay authoritative.
type AuditStore struct {
	db     *sql.DB
	logger *slog.Logger
	unsub  []func()
}

// New opens (or creates) the audit database at dbPath and runs the
// schema migration.
func New(dbPath string, logger *slog.Logger) (*AuditStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// WAL mode for better concurrent reads; a single writer connection
	// sidesteps SQLITE_BUSY under concurrent event recording.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &AuditStore{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			agent_id    TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			payload     TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_events_time ON task_events(recorded_at);

		CREATE TABLE IF NOT EXISTS message_events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id  TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			state       TEXT NOT NULL,
			payload     TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_message_events_agent ON message_events(agent_id);
		CREATE INDEX IF NOT EXISTS idx_message_events_time ON message_events(recorded_at);
	`)
	return err
}

// Attach subscribes the store to the event bus. Call Close to detach.
func (s *AuditStore) Attach(bus domain.EventBus) {
	s.unsub = append(s.unsub,
		bus.Subscribe(domain.EventTaskStatusChanged, s.onTaskEvent),
		bus.Subscribe(domain.EventMessageDelivered, s.onMessageEvent),
		bus.Subscribe(domain.EventMessageQueued, s.onMessageEvent),
	)
}

// Close detaches from the bus and closes the database.
func (s *AuditStore) Close() error {
	for _, u := range s.unsub {
		u()
	}
	return s.db.Close()
}

func (s *AuditStore) onTaskEvent(_ context.Context, e domain.Event) {
	var t domain.Task
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return
	}
	if err := s.RecordTask(t); err != nil {
		s.logger.Warn("audit task write failed", "task_id", t.ID, "error", err)
	}
}

func (s *AuditStore) onMessageEvent(_ context.Context, e domain.Event) {
	var d domain.MessageDisposition
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return
	}
	if err := s.RecordMessage(d.AgentID, d.Message); err != nil {
		s.logger.Warn("audit message write failed", "message_id", d.Message.ID, "error", err)
	}
}

// RecordTask appends a task state snapshot to the audit log.
func (s *AuditStore) RecordTask(t domain.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO task_events (task_id, agent_id, status, payload, recorded_at) VALUES (?, ?, ?, ?, ?)",
		t.ID, t.AgentID, string(t.Status), string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecordMessage appends a message disposition to the audit log.
func (s *AuditStore) RecordMessage(agentID string, m domain.AgentMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO message_events (message_id, agent_id, state, payload, recorded_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, agentID, string(m.State), string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecentTasks returns the latest task snapshots, newest first.
func (s *AuditStore) RecentTasks(limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query("SELECT payload FROM task_events ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentMessages returns the latest message dispositions, newest first.
func (s *AuditStore) RecentMessages(limit int) ([]domain.AgentMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query("SELECT payload FROM message_events ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AgentMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m domain.AgentMessage
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TaskHistory returns every recorded snapshot for one task in
// recording order.
func (s *AuditStore) TaskHistory(taskID string) ([]domain.Task, error) {
	rows, err := s.db.Query("SELECT payload FROM task_events WHERE task_id = ? ORDER BY seq ASC", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes audit rows recorded before cutoff and returns how many
// were removed. Invoked periodically by the scheduler.
func (s *AuditStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	mark := cutoff.UTC().Format(time.RFC3339Nano)

	res, err := s.db.Exec("DELETE FROM task_events WHERE recorded_at < ?", mark)
	if err != nil {
		return 0, err
	}
	tasks, _ := res.RowsAffected()

	res, err = s.db.Exec("DELETE FROM message_events WHERE recorded_at < ?", mark)
	if err != nil {
		return tasks, err
	}
	messages, _ := res.RowsAffected()

	if tasks+messages > 0 {
		s.logger.Info("audit rows pruned", "tasks", tasks, "messages", messages)
	}
	return tasks + messages, nil
}
