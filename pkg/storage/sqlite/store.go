// Package sqlite is a durable ReplayStore on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/polisai/stageflow/pkg/storage"
)

// Store is a SQLite implementation of storage.ReplayStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.ReplayStore = (*Store)(nil)

// New opens the database at dsn and creates the schema when missing.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS replay_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			command TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			plan_version TEXT NOT NULL,
			principal TEXT,
			inputs TEXT NOT NULL,
			result TEXT NOT NULL,
			outcome TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_pipeline ON replay_records(pipeline)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_version ON replay_records(plan_version)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_created ON replay_records(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Save inserts rec or replaces the record with the same id.
func (s *Store) Save(ctx context.Context, rec *storage.Record) error {
	storage.Prepare(rec, s.now())

	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `INSERT INTO replay_records (id, command, pipeline, plan_version, principal, inputs, result, outcome, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	            command = excluded.command,
	            pipeline = excluded.pipeline,
	            plan_version = excluded.plan_version,
	            principal = excluded.principal,
	            inputs = excluded.inputs,
	            result = excluded.result,
	            outcome = excluded.outcome,
	            created_at = excluded.created_at`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Command, rec.Pipeline, rec.PlanVersion, rec.Principal,
		string(inputs), string(result), rec.Result.Outcome, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	query := `SELECT id, command, pipeline, plan_version, principal, inputs, result, created_at
	          FROM replay_records WHERE id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]*storage.Record, error) {
	query := `SELECT id, command, pipeline, plan_version, principal, inputs, result, created_at
	          FROM replay_records`
	var args []any
	if opts.Pipeline != "" {
		query += ` WHERE pipeline = ?`
		args = append(args, opts.Pipeline)
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.Record, error) {
	var (
		rec       storage.Record
		principal sql.NullString
		inputs    string
		result    string
	)
	if err := row.Scan(&rec.ID, &rec.Command, &rec.Pipeline, &rec.PlanVersion, &principal, &inputs, &result, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Principal = principal.String
	if err := json.Unmarshal([]byte(inputs), &rec.Inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &rec, nil
}
