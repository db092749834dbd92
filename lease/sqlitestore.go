package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tables backing the two record kinds. Both share one layout.
const (
	LeaseTable = "response_leases"
	ClaimTable = "evaluation_claims"
)

const recordSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	room_id       TEXT NOT NULL,
	agent_type    TEXT NOT NULL,
	trigger_seq   INTEGER NOT NULL,
	owner_task_id TEXT NOT NULL,
	expires_at    INTEGER NOT NULL, -- unix nanoseconds
	committed     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, agent_type, trigger_seq)
);
`

// SQLiteStore keeps records in SQLite so that agent instances in
// different processes sharing one database file contend on the same rows.
type SQLiteStore struct {
	db    *sql.DB
	table string

	casSQL, commitSQL, renewSQL, deleteSQL, getSQL string
}

// NewSQLiteStore returns a store over the response_leases table.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	return NewSQLiteStoreTable(db, LeaseTable)
}

// NewSQLiteStoreTable returns a store over table, creating it if needed.
// table must be LeaseTable or ClaimTable.
func NewSQLiteStoreTable(db *sql.DB, table string) (*SQLiteStore, error) {
	if table != LeaseTable && table != ClaimTable {
		return nil, fmt.Errorf("lease: unknown table %q", table)
	}
	if _, err := db.Exec(fmt.Sprintf(recordSchema, table)); err != nil {
		return nil, fmt.Errorf("create %s schema: %w", table, err)
	}
	s := &SQLiteStore{db: db, table: table}
	// The update arm of the upsert only fires when the existing row is
	// neither committed nor live.
	s.casSQL = fmt.Sprintf(`
		INSERT INTO %[1]s (room_id, agent_type, trigger_seq, owner_task_id, expires_at, committed)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (room_id, agent_type, trigger_seq) DO UPDATE SET
			owner_task_id = excluded.owner_task_id,
			expires_at    = excluded.expires_at,
			committed     = 0
		WHERE %[1]s.committed = 0 AND %[1]s.expires_at <= ?`, table)
	s.commitSQL = fmt.Sprintf(`
		UPDATE %s SET committed = 1
		WHERE room_id = ? AND agent_type = ? AND trigger_seq = ?
		  AND owner_task_id = ? AND committed = 0 AND expires_at > ?`, table)
	s.renewSQL = fmt.Sprintf(`
		UPDATE %s SET expires_at = ?
		WHERE room_id = ? AND agent_type = ? AND trigger_seq = ?
		  AND owner_task_id = ? AND committed = 0 AND expires_at > ?`, table)
	s.deleteSQL = fmt.Sprintf(`
		DELETE FROM %s
		WHERE room_id = ? AND agent_type = ? AND trigger_seq = ? AND owner_task_id = ?`, table)
	s.getSQL = fmt.Sprintf(`
		SELECT owner_task_id, expires_at, committed FROM %s
		WHERE room_id = ? AND agent_type = ? AND trigger_seq = ?`, table)
	return s, nil
}

// CompareAndSet is a single UPSERT, so concurrent writers from any process
// see exactly one winner.
func (s *SQLiteStore) CompareAndSet(ctx context.Context, rec Record, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.casSQL,
		rec.RoomID, rec.AgentType, rec.TriggerSeq, rec.OwnerTaskID, rec.ExpiresAt.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("%s: set %s: %w", s.table, rec.Key, err)
	}
	return oneRow(res)
}

func (s *SQLiteStore) Commit(ctx context.Context, key Key, owner string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.commitSQL,
		key.RoomID, key.AgentType, key.TriggerSeq, owner, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("%s: commit %s: %w", s.table, key, err)
	}
	if ok, err := oneRow(res); err != nil || ok {
		return ok, err
	}
	rec, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && rec.Committed && rec.OwnerTaskID == owner, nil
}

func (s *SQLiteStore) Renew(ctx context.Context, key Key, owner string, expiresAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.renewSQL,
		expiresAt.UnixNano(), key.RoomID, key.AgentType, key.TriggerSeq, owner, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("%s: renew %s: %w", s.table, key, err)
	}
	return oneRow(res)
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteSQL, key.RoomID, key.AgentType, key.TriggerSeq, owner); err != nil {
		return fmt.Errorf("%s: delete %s: %w", s.table, key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	rec := Record{Key: key}
	var expires int64
	var committed int
	err := s.db.QueryRowContext(ctx, s.getSQL, key.RoomID, key.AgentType, key.TriggerSeq).
		Scan(&rec.OwnerTaskID, &expires, &committed)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%s: get %s: %w", s.table, key, err)
	}
	rec.ExpiresAt = time.Unix(0, expires)
	rec.Committed = committed == 1
	return rec, true, nil
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
