package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ssd-technologies/agentrelay/internal/envelope"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database holding the envelope
// log and the materialized agent and task documents.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// SQLite allows a single writer; serializing in database/sql avoids
	// SQLITE_BUSY under concurrent relay writes.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    timestamp TEXT,
    payload TEXT NOT NULL,
    received_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    task_id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Envelope log ---

// Append records an accepted envelope in the events table.
func (d *DB) Append(env *envelope.Envelope) error {
	_, err := d.db.Exec(
		`INSERT INTO events (type, agent_id, timestamp, payload, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(env.Type), env.AgentID, env.Timestamp, string(env.Payload), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit of the most recently appended envelopes,
// oldest first.
func (d *DB) RecentEvents(limit int) ([]envelope.Envelope, error) {
	rows, err := d.db.Query(
		`SELECT type, agent_id, timestamp, payload FROM
		   (SELECT seq, type, agent_id, timestamp, payload FROM events ORDER BY seq DESC LIMIT ?)
		 ORDER BY seq ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var events []envelope.Envelope
	for rows.Next() {
		var env envelope.Envelope
		var kind, payload string
		var ts sql.NullString
		if err := rows.Scan(&kind, &env.AgentID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		env.Type = envelope.Kind(kind)
		env.Timestamp = ts.String
		env.Payload = json.RawMessage(payload)
		events = append(events, env)
	}
	return events, rows.Err()
}

// --- Materialized documents ---

// SaveAgents replaces the stored agent collection with agents.
func (d *DB) SaveAgents(agents []envelope.AgentRecord) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("save agents: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM agents`); err != nil {
		return fmt.Errorf("clear agents: %w", err)
	}
	for _, a := range agents {
		doc, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal agent %s: %w", a.ID, err)
		}
		if _, err := tx.Exec(`INSERT INTO agents (id, doc) VALUES (?, ?)`, a.ID, string(doc)); err != nil {
			return fmt.Errorf("insert agent %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// SaveTasks replaces the stored task collection with tasks.
func (d *DB) SaveTasks(tasks []envelope.TaskRecord) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	for _, t := range tasks {
		doc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", t.TaskID, err)
		}
		if _, err := tx.Exec(`INSERT INTO tasks (task_id, agent_id, doc) VALUES (?, ?, ?)`,
			t.TaskID, t.AgentID, string(doc)); err != nil {
			return fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
	}
	return tx.Commit()
}

// Load reads the materialized agent and task collections.
func (d *DB) Load() ([]envelope.AgentRecord, []envelope.TaskRecord, error) {
	agents, err := loadDocs[envelope.AgentRecord](d.db, `SELECT doc FROM agents ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("load agents: %w", err)
	}
	tasks, err := loadDocs[envelope.TaskRecord](d.db, `SELECT doc FROM tasks ORDER BY task_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	return agents, tasks, nil
}

func loadDocs[T any](db *sql.DB, query string) ([]T, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("decode doc: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
