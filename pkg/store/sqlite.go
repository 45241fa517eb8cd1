package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
)

const defaultDSN = "file:contractnet.db?_pragma=busy_timeout(5000)"

// SQLiteStore persists results in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn and ensures the schema. An empty dsn uses
// contractnet.db in the working directory.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "open sqlite", err)
	}
	// In-memory databases exist per connection.
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an open database and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "db is nil", nil)
	}
	if err := ensureSchema(db); err != nil {
		return nil, errors.New(errors.CodeInternal, "create result schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Record stores result, replacing an earlier one with the same round id.
func (s *SQLiteStore) Record(ctx context.Context, result core.RoundResult) error {
	if result.RoundID == "" {
		return errors.New(errors.CodeInvalidArgument, "result has no round id", nil)
	}
	taskJSON, err := json.Marshal(result.Task)
	if err != nil {
		return errors.New(errors.CodeInvalidArgument, "encode task", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeInternal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO rounds (
			round_id, task_id, task_kind, task_json, initiator, cancelled, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RoundID,
		result.Task.ID,
		result.Task.Kind,
		string(taskJSON),
		result.Initiator,
		result.Cancelled,
		unixNano(result.StartedAt),
		unixNano(result.FinishedAt),
	); err != nil {
		return errors.New(errors.CodeInternal, "insert round", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM round_responders WHERE round_id = ?`, result.RoundID); err != nil {
		return errors.New(errors.CodeInternal, "clear responders", err)
	}
	for _, id := range result.Responders() {
		entry := result.Entries[id]
		proposal := ""
		if entry.Proposal != nil {
			raw, err := json.Marshal(entry.Proposal)
			if err != nil {
				return errors.New(errors.CodeInvalidArgument, "encode proposal", err).WithContext("responder", id)
			}
			proposal = string(raw)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO round_responders (round_id, responder, status, proposal_json, detail, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, result.RoundID, id, string(entry.Status), proposal, entry.Detail, unixNano(entry.UpdatedAt)); err != nil {
			return errors.New(errors.CodeInternal, "insert responder", err).WithContext("responder", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeInternal, "commit result", err)
	}
	return nil
}

// Get returns the result of roundID.
func (s *SQLiteStore) Get(ctx context.Context, roundID string) (core.RoundResult, error) {
	results, err := s.query(ctx, ` WHERE round_id = ?`, []any{roundID})
	if err != nil {
		return core.RoundResult{}, err
	}
	if len(results) == 0 {
		return core.RoundResult{}, errNotFound(roundID)
	}
	return results[0], nil
}

// List returns matching results, most recently finished first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]core.RoundResult, error) {
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.TaskID != "" {
		addFilter("task_id = ?", filter.TaskID)
	}
	if filter.Initiator != "" {
		addFilter("initiator = ?", filter.Initiator)
	}
	if filter.Status != "" {
		addFilter("round_id IN (SELECT round_id FROM round_responders WHERE status = ?)", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		addFilter("finished_at >= ?", unixNano(filter.Since))
	}
	where += " ORDER BY finished_at DESC, round_id ASC"
	if filter.Limit > 0 {
		where += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.query(ctx, where, args)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, where string, args []any) ([]core.RoundResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT round_id, task_json, initiator, cancelled, started_at, finished_at
		FROM rounds`+where, args...)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "query rounds", err)
	}
	var results []core.RoundResult
	for rows.Next() {
		var (
			result            core.RoundResult
			taskJSON          string
			started, finished int64
		)
		if err := rows.Scan(&result.RoundID, &taskJSON, &result.Initiator, &result.Cancelled, &started, &finished); err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeInternal, "scan round", err)
		}
		if err := json.Unmarshal([]byte(taskJSON), &result.Task); err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeInternal, "decode task", err).WithContext("round_id", result.RoundID)
		}
		result.StartedAt = fromUnixNano(started)
		result.FinishedAt = fromUnixNano(finished)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.New(errors.CodeInternal, "iterate rounds", err)
	}
	rows.Close()

	for i := range results {
		entries, err := s.entries(ctx, results[i].RoundID)
		if err != nil {
			return nil, err
		}
		results[i].Entries = entries
	}
	return results, nil
}

func (s *SQLiteStore) entries(ctx context.Context, roundID string) (map[string]core.ResponderResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT responder, status, proposal_json, detail, updated_at
		FROM round_responders WHERE round_id = ?
	`, roundID)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "query responders", err)
	}
	defer rows.Close()

	entries := map[string]core.ResponderResult{}
	for rows.Next() {
		var (
			entry    core.ResponderResult
			status   string
			proposal string
			updated  int64
		)
		if err := rows.Scan(&entry.Responder, &status, &proposal, &entry.Detail, &updated); err != nil {
			return nil, errors.New(errors.CodeInternal, "scan responder", err)
		}
		entry.Status = core.Status(status)
		entry.UpdatedAt = fromUnixNano(updated)
		if proposal != "" {
			var p core.Proposal
			if err := json.Unmarshal([]byte(proposal), &p); err != nil {
				return nil, errors.New(errors.CodeInternal, "decode proposal", err).WithContext("responder", entry.Responder)
			}
			entry.Proposal = &p
		}
		entries[entry.Responder] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeInternal, "iterate responders", err)
	}
	return entries, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rounds (
			round_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_kind TEXT,
			task_json TEXT NOT NULL,
			initiator TEXT NOT NULL DEFAULT '',
			cancelled BOOLEAN NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS round_responders (
			round_id TEXT NOT NULL REFERENCES rounds(round_id) ON DELETE CASCADE,
			responder TEXT NOT NULL,
			status TEXT NOT NULL,
			proposal_json TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (round_id, responder)
		);
		CREATE INDEX IF NOT EXISTS idx_rounds_task ON rounds(task_id);
		CREATE INDEX IF NOT EXISTS idx_rounds_finished ON rounds(finished_at);
		CREATE INDEX IF NOT EXISTS idx_round_responders_status ON round_responders(status);
	`)
	return err
}

// Timestamps are stored as UTC unix nanoseconds; zero times as 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
