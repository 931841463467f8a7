// Package audit is the append-log replay collaborator: an optional
// subscriber that records every lifecycle event the core publishes into
// a local SQLite database.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

// topics the sink records: every orchestrator and session lifecycle
// event.
var lifecycleTopics = []string{"orchestrator.#", "session.#"}

// Sink appends lifecycle events to a SQLite log.
type Sink struct {
	db     *sqlx.DB
	bus    bus.Bus
	subs   []bus.Subscription
	insert *sqlx.Stmt
	logger *logger.Logger
}

// NewSink opens (creating if needed) the audit database at dbPath.
func NewSink(dbPath string, b bus.Bus, log *logger.Logger) (*Sink, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=wal&_mode=rwc", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Sink{
		db:     db,
		bus:    b,
		logger: log.WithFields(zap.String("component", "audit")),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	insert, err := db.Preparex(`INSERT INTO events (message_id, topic, source, timestamp, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	s.insert = insert
	return s, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizePath(dbPath string) string {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// initSchema creates the append-log table if it doesn't exist.
func (s *Sink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		source TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Start subscribes the sink to the lifecycle topic families.
func (s *Sink) Start() error {
	for _, topic := range lifecycleTopics {
		sub, err := s.bus.Subscribe(topic, s.record)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("audit sink started")
	return nil
}

// record appends one event row. Failures are logged, never propagated:
// a broken audit log must not disturb dispatch.
func (s *Sink) record(ctx context.Context, msg *core.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", zap.Error(err))
		payload = []byte("{}")
	}
	if _, err := s.insert.ExecContext(ctx, msg.ID, msg.Topic, msg.Source, msg.Timestamp, string(payload)); err != nil {
		s.logger.Warn("failed to append audit event",
			zap.String("topic", msg.Topic),
			zap.Error(err))
	}
	return nil
}

// Event is one replayed row of the append log.
type Event struct {
	MessageID string                 `json:"message_id"`
	Topic     string                 `json:"topic"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// eventRow is the database shape of one append-log entry.
type eventRow struct {
	MessageID string    `db:"message_id"`
	Topic     string    `db:"topic"`
	Source    string    `db:"source"`
	Timestamp time.Time `db:"timestamp"`
	Payload   string    `db:"payload"`
}

// Replay returns the recorded events for a topic prefix in append
// order, up to limit rows (0 = no limit).
func (s *Sink) Replay(ctx context.Context, topicPrefix string, limit int) ([]*Event, error) {
	query := `SELECT message_id, topic, source, timestamp, payload FROM events WHERE topic LIKE ? ORDER BY id`
	args := []interface{}{topicPrefix + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		e := &Event{
			MessageID: row.MessageID,
			Topic:     row.Topic,
			Source:    row.Source,
			Timestamp: row.Timestamp,
		}
		if err := json.Unmarshal([]byte(row.Payload), &e.Payload); err != nil {
			e.Payload = map[string]interface{}{}
		}
		events = append(events, e)
	}
	return events, nil
}

// Close unsubscribes and closes the database.
func (s *Sink) Close() error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.insert != nil {
		_ = s.insert.Close()
	}
	return s.db.Close()
}
