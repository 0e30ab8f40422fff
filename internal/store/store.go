package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/podushkina/taskrelay/internal/task"
)

// Store keeps tasks and their audit trail in one SQLite database. A single
// *Store is safe for concurrent use and is the handle workers share.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','in_progress','success','failed')),
		locked_by TEXT,
		raw_value INTEGER,
		value INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_id ON tasks(status, id);
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		attempt_number INTEGER NOT NULL,
		event_type TEXT NOT NULL CHECK (event_type IN ('fetch','success','failure')),
		response_code INTEGER,
		error_message TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_task_id ON audit_log(task_id, id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Create(ctx context.Context, in task.NewTask) (task.Record, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tasks (status, raw_value, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		string(task.StatusPending),
		nullInt64(in.RawValue),
		nullInt64(in.Value),
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return task.Record{}, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return task.Record{}, fmt.Errorf("create task: %w", err)
	}
	return s.Fetch(ctx, id)
}

// Claim moves the oldest unlocked pending task to in_progress for workerID.
// The select and the update run as one statement, so concurrent claimants
// can never both win the same row.
func (s *Store) Claim(ctx context.Context, workerID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(
		ctx,
		`UPDATE tasks SET status = ?, locked_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = ? AND locked_by IS NULL
			ORDER BY id ASC
			LIMIT 1
		) AND status = ? AND locked_by IS NULL
		RETURNING id`,
		string(task.StatusInProgress),
		workerID,
		time.Now().UTC().UnixMilli(),
		string(task.StatusPending),
		string(task.StatusPending),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("claim task: %w", err)
	}
	return id, true, nil
}

func (s *Store) Fetch(ctx context.Context, id int64) (task.Record, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, locked_by, raw_value, value, created_at, updated_at FROM tasks WHERE id = ?`,
		id,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Record{}, fmt.Errorf("%w: %d", task.ErrNotFound, id)
		}
		return task.Record{}, fmt.Errorf("fetch task %d: %w", id, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]task.Record, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, status, locked_by, raw_value, value, created_at, updated_at FROM tasks ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []task.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context, status task.Status) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// Finalize sets a terminal status. A task that is already terminal is left
// untouched.
func (s *Store) Finalize(ctx context.Context, id int64, status task.Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return finalizeTx(ctx, tx, id, status)
	})
}

// FinalizeWithAudit sets the terminal status and appends entry in one transaction.
func (s *Store) FinalizeWithAudit(ctx context.Context, id int64, status task.Status, entry task.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := finalizeTx(ctx, tx, id, status); err != nil {
			return err
		}
		return appendAuditTx(ctx, tx, entry)
	})
}

func (s *Store) AppendAudit(ctx context.Context, entry task.AuditEntry) error {
	return appendAuditTx(ctx, s.db, entry)
}

func (s *Store) ListAudit(ctx context.Context, taskID int64) ([]task.AuditEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT task_id, attempt_number, event_type, response_code, error_message, created_at
		FROM audit_log WHERE task_id = ? ORDER BY id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := []task.AuditEntry{}
	for rows.Next() {
		var e task.AuditEntry
		var event string
		var code sql.NullInt64
		var msg sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.TaskID, &e.Attempt, &event, &code, &msg, &createdAt); err != nil {
			return nil, fmt.Errorf("list audit: %w", err)
		}
		e.Event = task.Event(event)
		if code.Valid {
			e.ResponseCode = task.Int(int(code.Int64))
		}
		e.ErrorMessage = msg.String
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountAudit(ctx context.Context, taskID int64, event task.Event) (int, error) {
	var n int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM audit_log WHERE task_id = ? AND event_type = ?`,
		taskID,
		string(event),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func finalizeTx(ctx context.Context, tx *sql.Tx, id int64, status task.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: cannot finalize as %s", task.ErrInvalidStatus, status)
	}

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", task.ErrNotFound, id)
		}
		return err
	}
	if task.Status(current).Terminal() {
		return nil
	}

	_, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(status),
		time.Now().UTC().UnixMilli(),
		id,
		string(task.StatusPending),
		string(task.StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("finalize task %d: %w", id, err)
	}
	return nil
}

func appendAuditTx(ctx context.Context, ex execer, e task.AuditEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var code sql.NullInt64
	if e.ResponseCode != nil {
		code = sql.NullInt64{Int64: int64(*e.ResponseCode), Valid: true}
	}
	var msg sql.NullString
	if e.ErrorMessage != "" {
		msg = sql.NullString{String: e.ErrorMessage, Valid: true}
	}

	_, err := ex.ExecContext(
		ctx,
		`INSERT INTO audit_log (task_id, attempt_number, event_type, response_code, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID,
		e.Attempt,
		string(e.Event),
		code,
		msg,
		createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append audit for task %d: %w", e.TaskID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (task.Record, error) {
	var rec task.Record
	var status string
	var lockedBy sql.NullString
	var raw, value sql.NullInt64
	var createdAt, updatedAt int64
	if err := sc.Scan(&rec.ID, &status, &lockedBy, &raw, &value, &createdAt, &updatedAt); err != nil {
		return task.Record{}, err
	}
	rec.Status = task.Status(status)
	rec.LockedBy = lockedBy.String
	if raw.Valid {
		rec.RawValue = task.Int64(raw.Int64)
	}
	if value.Valid {
		rec.Value = task.Int64(value.Int64)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
