// Package journal persists lifecycle and registration events to SQLite so
// terminal failed/lost states stay inspectable after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/reefline/coralctl/internal/coral"
	"github.com/reefline/coralctl/internal/supervisor"
)

// Event categories.
const (
	CategoryTransition   = "transition"
	CategoryRegistration = "registration"
	CategoryBuild        = "build"
)

// Event is one appended journal row.
type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Category   string    `json:"category"`
	AgentID    string    `json:"agent_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Journal is an append-only SQLite event log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database and runs migrations.
func Open(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate database: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			category TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			instance_id TEXT,
			from_state TEXT,
			to_state TEXT,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id, ts)`,
	}
	for _, migration := range migrations {
		if _, err := j.db.Exec(migration); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordTransition implements supervisor.Recorder.
func (j *Journal) RecordTransition(agentID, instanceID string, from, to supervisor.State, detail string) {
	j.append(Event{
		Category:   CategoryTransition,
		AgentID:    agentID,
		InstanceID: instanceID,
		FromState:  string(from),
		ToState:    string(to),
		Detail:     detail,
	})
}

// RecordRegistration implements coral.KeeperRecorder.
func (j *Journal) RecordRegistration(agentID, endpoint string, status coral.Status, detail string) {
	if detail == "" {
		detail = "endpoint=" + endpoint
	} else {
		detail = detail + " endpoint=" + endpoint
	}
	j.append(Event{
		Category: CategoryRegistration,
		AgentID:  agentID,
		ToState:  string(status),
		Detail:   detail,
	})
}

// RecordBuild notes one image build outcome.
func (j *Journal) RecordBuild(agentID, ref string, success bool, detail string) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	if detail == "" {
		detail = "ref=" + ref
	}
	j.append(Event{
		Category: CategoryBuild,
		AgentID:  agentID,
		ToState:  outcome,
		Detail:   detail,
	})
}

func (j *Journal) append(event Event) {
	_, err := j.db.Exec(
		`INSERT INTO events (category, agent_id, instance_id, from_state, to_state, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.Category,
		event.AgentID,
		event.InstanceID,
		event.FromState,
		event.ToState,
		event.Detail,
	)
	if err != nil {
		log.Warn().Str("agent", event.AgentID).Str("category", event.Category).Err(err).Msg("journal append failed")
	}
}

// Recent returns the latest events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT id, ts, category, agent_id, instance_id, from_state, to_state, detail
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentForAgent returns the latest events for one agent, newest first.
func (j *Journal) RecentForAgent(agentID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT id, ts, category, agent_id, instance_id, from_state, to_state, detail
		 FROM events WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var event Event
		var instanceID, fromState, toState, detail sql.NullString
		if err := rows.Scan(&event.ID, &event.TS, &event.Category, &event.AgentID,
			&instanceID, &fromState, &toState, &detail); err != nil {
			return nil, err
		}
		event.InstanceID = instanceID.String
		event.FromState = fromState.String
		event.ToState = toState.String
		event.Detail = detail.String
		out = append(out, event)
	}
	return out, rows.Err()
}
