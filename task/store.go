package task

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	room_id     TEXT NOT NULL,
	agent_type  TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	trigger_seq INTEGER NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS task_transitions_trigger ON task_transitions (room_id, trigger_seq);
CREATE INDEX IF NOT EXISTS task_transitions_task ON task_transitions (task_id);
`

// SQLiteStore persists transitions in SQLite so forensic timelines survive
// restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the task_transitions table exists on db. The
// caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create task_transitions schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Record appends one transition.
func (s *SQLiteStore) Record(ctx context.Context, tr Transition) error {
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_transitions
			(task_id, room_id, agent_type, instance_id, trigger_seq, attempt, from_state, to_state, reason, at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		tr.TaskID, tr.RoomID, tr.AgentType, tr.InstanceID, tr.TriggerSeq, tr.Attempt,
		string(tr.From), string(tr.To), tr.Reason, at,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Timeline returns matching transitions in the order they were recorded.
func (s *SQLiteStore) Timeline(ctx context.Context, f Filter) ([]Transition, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT task_id, room_id, agent_type, instance_id, trigger_seq, attempt,
		from_state, to_state, reason, at FROM task_transitions WHERE 1=1`)
	args := []any{}

	if f.RoomID != "" {
		q.WriteString(" AND room_id=?")
		args = append(args, f.RoomID)
	}
	if f.TriggerSeq != 0 {
		q.WriteString(" AND trigger_seq=?")
		args = append(args, f.TriggerSeq)
	}
	if f.TaskID != "" {
		q.WriteString(" AND task_id=?")
		args = append(args, f.TaskID)
	}
	if f.AgentType != "" {
		q.WriteString(" AND agent_type=?")
		args = append(args, f.AgentType)
	}
	q.WriteString(" ORDER BY id ASC")
	if f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		if err := rows.Scan(&tr.TaskID, &tr.RoomID, &tr.AgentType, &tr.InstanceID, &tr.TriggerSeq,
			&tr.Attempt, &from, &to, &tr.Reason, &tr.At); err != nil {
			return nil, err
		}
		tr.From, tr.To = State(from), State(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}
