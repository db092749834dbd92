package comms

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS room_events (
	room_id     TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	id          TEXT NOT NULL UNIQUE,
	sender_id   TEXT NOT NULL,
	sender_kind TEXT NOT NULL,
	agent_type  TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	in_reply_to INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	PRIMARY KEY (room_id, seq)
);
`

const eventColumns = `room_id, seq, id, sender_id, sender_kind, agent_type, content, in_reply_to, created_at`

// SQLiteLog persists room events in a SQLite table. Seq is minted inside a
// single INSERT ... SELECT statement, so two appenders can never be handed
// the same number even when they share the database file.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog ensures the room_events table exists on db.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	if _, err := db.Exec(eventSchema); err != nil {
		return nil, fmt.Errorf("create room_events schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Append inserts ev with seq = MAX(seq)+1 for its room.
func (l *SQLiteLog) Append(ctx context.Context, ev Event) (Event, error) {
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	row := l.db.QueryRowContext(ctx, `
		INSERT INTO room_events (`+eventColumns+`)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		FROM room_events WHERE room_id = ?
		RETURNING seq`,
		ev.RoomID, ev.ID, ev.SenderID, string(ev.SenderKind), ev.AgentType,
		ev.Content, ev.InReplyTo, ev.CreatedAt,
		ev.RoomID,
	)
	if err := row.Scan(&ev.Seq); err != nil {
		return Event{}, fmt.Errorf("append event to room %s: %w", ev.RoomID, err)
	}
	return ev, nil
}

// Range returns the last limit events with seq <= maxSeq in ascending order.
func (l *SQLiteLog) Range(ctx context.Context, roomID string, maxSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM (
			SELECT `+eventColumns+` FROM room_events
			WHERE room_id = ? AND seq <= ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		roomID, maxSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("range room %s: %w", roomID, err)
	}
	return scanEvents(rows)
}

// After returns events with seq > afterSeq in ascending order.
func (l *SQLiteLog) After(ctx context.Context, roomID string, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM room_events
		WHERE room_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`,
		roomID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read room %s after %d: %w", roomID, afterSeq, err)
	}
	return scanEvents(rows)
}

// Head returns the highest seq in the room.
func (l *SQLiteLog) Head(ctx context.Context, roomID string) (int64, error) {
	var head int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM room_events WHERE room_id = ?`, roomID,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("head of room %s: %w", roomID, err)
	}
	return head, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(
			&ev.RoomID, &ev.Seq, &ev.ID, &ev.SenderID, &kind, &ev.AgentType,
			&ev.Content, &ev.InReplyTo, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.SenderKind = SenderKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
