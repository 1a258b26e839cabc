package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"opsflow/internal/domain"
)

// SQLiteStore implements domain.WorkflowStore on SQLite. Suited to
// deployments where several processes share one run history or the history
// outgrows a single JSON file.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration. historyLimit caps retained runs; zero or negative uses
// the default.
func NewSQLiteStore(dbPath string, historyLimit int) (*SQLiteStore, error) {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrateRuns(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run db: %w", err)
	}
	return &SQLiteStore{db: db, limit: historyLimit}, nil
}

func migrateRuns(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id             TEXT PRIMARY KEY,
			work_item_id   INTEGER NOT NULL,
			state          TEXT NOT NULL,
			current_step   INTEGER NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			pipeline_id    INTEGER NOT NULL DEFAULT 0,
			dispatch       TEXT,
			failure_reason TEXT NOT NULL DEFAULT '',
			steps          TEXT NOT NULL DEFAULT '[]',
			parameters     TEXT NOT NULL DEFAULT 'null',
			branch         TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			completed_at   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_created ON workflow_runs(created_at);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_work_item ON workflow_runs(work_item_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun implements domain.WorkflowStore as an upsert keyed on run ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run domain.WorkflowRun) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	var dispatch sql.NullString
	if run.Dispatch != nil {
		d, err := json.Marshal(run.Dispatch)
		if err != nil {
			return fmt.Errorf("marshal dispatch: %w", err)
		}
		dispatch = sql.NullString{String: string(d), Valid: true}
	}
	var completed sql.NullString
	if run.CompletedAt != nil {
		completed = sql.NullString{String: run.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs
			(id, work_item_id, state, current_step, description, pipeline_id,
			 dispatch, failure_reason, steps, parameters, branch,
			 created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state          = excluded.state,
			current_step   = excluded.current_step,
			description    = excluded.description,
			pipeline_id    = excluded.pipeline_id,
			dispatch       = excluded.dispatch,
			failure_reason = excluded.failure_reason,
			steps          = excluded.steps,
			parameters     = excluded.parameters,
			branch         = excluded.branch,
			updated_at     = excluded.updated_at,
			completed_at   = excluded.completed_at`,
		run.ID, run.WorkItemID, string(run.State), run.CurrentStep, run.Description, run.PipelineID,
		dispatch, run.FailureReason, string(stepsJSON), string(paramsJSON), run.Branch,
		run.CreatedAt.UTC().Format(time.RFC3339Nano), run.UpdatedAt.UTC().Format(time.RFC3339Nano), completed,
	)
	if err != nil {
		return err
	}
	return s.evict(ctx)
}

// evict deletes the oldest terminal runs once the table exceeds the limit.
// In-flight runs are never evicted.
func (s *SQLiteStore) evict(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_runs").Scan(&count); err != nil {
		return err
	}
	if count <= s.limit {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_runs WHERE id IN (
			SELECT id FROM workflow_runs
			WHERE state IN (?, ?)
			ORDER BY created_at ASC
			LIMIT ?
		)`,
		string(domain.StateCompleted), string(domain.StateFailed), count-s.limit,
	)
	return err
}

// GetRun implements domain.WorkflowStore.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		selectRunColumns+" FROM workflow_runs WHERE id = ?", id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("workflow", "SQLiteStore.GetRun", domain.ErrNotFound, id)
	}
	return run, err
}

// ListRuns implements domain.WorkflowStore. Runs are returned newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error) {
	query := selectRunColumns + " FROM workflow_runs ORDER BY created_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// DeleteRun implements domain.WorkflowStore.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflow_runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("workflow", "SQLiteStore.DeleteRun", domain.ErrNotFound, id)
	}
	return nil
}

// FindRunsByWorkItem returns all runs for a work item, newest first.
func (s *SQLiteStore) FindRunsByWorkItem(ctx context.Context, workItemID int) ([]domain.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRunColumns+" FROM workflow_runs WHERE work_item_id = ? ORDER BY created_at DESC", workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

const selectRunColumns = `SELECT id, work_item_id, state, current_step, description, pipeline_id,
	dispatch, failure_reason, steps, parameters, branch, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.WorkflowRun, error) {
	var (
		run                    domain.WorkflowRun
		state                  string
		dispatch, completed    sql.NullString
		stepsJSON, paramsJSON  string
		createdStr, updatedStr string
	)
	err := row.Scan(&run.ID, &run.WorkItemID, &state, &run.CurrentStep, &run.Description, &run.PipelineID,
		&dispatch, &run.FailureReason, &stepsJSON, &paramsJSON, &run.Branch,
		&createdStr, &updatedStr, &completed)
	if err != nil {
		return nil, err
	}

	run.State = domain.WorkflowState(state)
	if dispatch.Valid {
		var d domain.DispatchResult
		if err := json.Unmarshal([]byte(dispatch.String), &d); err != nil {
			return nil, fmt.Errorf("unmarshal dispatch: %w", err)
		}
		run.Dispatch = &d
	}
	if err := json.Unmarshal([]byte(stepsJSON), &run.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	if completed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completed.String)
		run.CompletedAt = &t
	}
	return &run, nil
}

var _ domain.WorkflowStore = (*SQLiteStore)(nil)
