// Package store persists session checkpoints in sqlite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/seqlab/delta"
)

//go:embed schema.sql
var schemaSql string

var ErrNotFound = errors.New("checkpoint not found")

// CheckpointStore is an append-only history of session checkpoints. The
// newest checkpoint per session is the restore point; older ones are kept
// until pruned.
type CheckpointStore struct {
	db *sql.DB
}

// Open creates or opens the database at `path`.
func Open(path string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// sqlite allows one writer. a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSql); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &CheckpointStore{
		db: db,
	}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (self *CheckpointStore) Save(ctx context.Context, checkpoint *delta.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(
		ctx,
		`INSERT INTO checkpoints (session_id, last_sequence_number, created_at, data)
		 VALUES (?, ?, ?, ?)`,
		checkpoint.SessionId.String(),
		int64(checkpoint.LastSequenceNumber),
		time.Now().UnixMilli(),
		data,
	)
	return err
}

// LoadLatest returns the checkpoint with the highest applied sequence number
// for the session, or `ErrNotFound`.
func (self *CheckpointStore) LoadLatest(ctx context.Context, sessionId delta.Id) (*delta.Checkpoint, error) {
	row := self.db.QueryRowContext(
		ctx,
		`SELECT data FROM checkpoints
		 WHERE session_id = ?
		 ORDER BY last_sequence_number DESC, id DESC
		 LIMIT 1`,
		sessionId.String(),
	)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var checkpoint delta.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// Prune keeps the newest `keep` checkpoints for the session and deletes the
// rest. Returns the number deleted.
func (self *CheckpointStore) Prune(ctx context.Context, sessionId delta.Id, keep int) (int64, error) {
	result, err := self.db.ExecContext(
		ctx,
		`DELETE FROM checkpoints
		 WHERE session_id = ?
		 AND id NOT IN (
		     SELECT id FROM checkpoints
		     WHERE session_id = ?
		     ORDER BY last_sequence_number DESC, id DESC
		     LIMIT ?
		 )`,
		sessionId.String(),
		sessionId.String(),
		keep,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Sessions lists the session ids with at least one checkpoint.
func (self *CheckpointStore) Sessions(ctx context.Context) ([]delta.Id, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT DISTINCT session_id FROM checkpoints ORDER BY session_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessionIds := []delta.Id{}
	for rows.Next() {
		var sessionIdStr string
		if err := rows.Scan(&sessionIdStr); err != nil {
			return nil, err
		}
		sessionId, err := delta.ParseId(sessionIdStr)
		if err != nil {
			return nil, fmt.Errorf("decode session id: %w", err)
		}
		sessionIds = append(sessionIds, sessionId)
	}
	return sessionIds, rows.Err()
}

func (self *CheckpointStore) Close() error {
	return self.db.Close()
}
