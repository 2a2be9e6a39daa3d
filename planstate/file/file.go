// Package file implements planstate.Store on a local SQLite file via
// modernc.org/sqlite, a pure-Go driver requiring no cgo toolchain. This is
// the "file" planState.backend named in spec.md §6, suited to single-node
// deployments that want durability without standing up Postgres.
package file

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentrt/planqueue/planstate"
	"github.com/agentrt/planqueue/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS plan_step_entries (
	plan_id    TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	state      TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	trace_id   TEXT NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	output     BLOB,
	step_json  TEXT NOT NULL,
	subject_json TEXT,
	approvals_json TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (plan_id, step_id)
);

CREATE TABLE IF NOT EXISTS plan_metadata (
	plan_id    TEXT PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	next_step_index INTEGER NOT NULL,
	last_completed_index INTEGER NOT NULL,
	steps_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store implements planstate.Store on a SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and parent directories) if needed,
// applies the schema, and returns a ready-to-use Store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("planstate/file: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("planstate/file: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("planstate/file: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("planstate/file: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// RememberStep implements planstate.Store.
func (s *Store) RememberStep(ctx context.Context, entry model.PlanStepEntry) error {
	stepJSON, err := json.Marshal(entry.Step)
	if err != nil {
		return fmt.Errorf("planstate/file: marshal step: %w", err)
	}
	subjectJSON, err := json.Marshal(entry.Subject)
	if err != nil {
		return fmt.Errorf("planstate/file: marshal subject: %w", err)
	}
	approvalsJSON, err := json.Marshal(entry.Approvals)
	if err != nil {
		return fmt.Errorf("planstate/file: marshal approvals: %w", err)
	}
	now := time.Now()
	created := entry.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_step_entries
			(plan_id, step_id, state, attempt, trace_id, summary, output, step_json, subject_json, approvals_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id, step_id) DO UPDATE SET
			state=excluded.state, attempt=excluded.attempt, trace_id=excluded.trace_id,
			summary=excluded.summary, output=excluded.output, step_json=excluded.step_json,
			subject_json=excluded.subject_json, approvals_json=excluded.approvals_json,
			updated_at=excluded.updated_at`,
		entry.PlanID, entry.StepID, string(entry.State), entry.Attempt, entry.TraceID, entry.Summary,
		[]byte(entry.Output), string(stepJSON), string(subjectJSON), string(approvalsJSON),
		created.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("planstate/file: remember step: %w", err)
	}
	return nil
}

// GetEntry implements planstate.Store.
func (s *Store) GetEntry(ctx context.Context, planID, stepID string) (model.PlanStepEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plan_id, step_id, state, attempt, trace_id, summary, output, step_json, subject_json, approvals_json, created_at, updated_at
		FROM plan_step_entries WHERE plan_id = ? AND step_id = ?`, planID, stepID)
	return scanEntry(row)
}

// SetState implements planstate.Store.
func (s *Store) SetState(ctx context.Context, planID, stepID string, state model.StepState, summary string, output []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_step_entries SET state = ?, summary = ?, output = ?, updated_at = ?
		WHERE plan_id = ? AND step_id = ?`,
		string(state), summary, output, time.Now().UTC().Format(time.RFC3339Nano), planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate/file: set state: %w", err)
	}
	return requireAffected(res, planstate.ErrNotFound)
}

// RecordApproval implements planstate.Store.
func (s *Store) RecordApproval(ctx context.Context, planID, stepID, capability string, approved bool) error {
	entry, err := s.GetEntry(ctx, planID, stepID)
	if err != nil {
		return err
	}
	if entry.Approvals == nil {
		entry.Approvals = make(map[string]bool)
	}
	entry.Approvals[capability] = approved
	approvalsJSON, err := json.Marshal(entry.Approvals)
	if err != nil {
		return fmt.Errorf("planstate/file: marshal approvals: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_step_entries SET approvals_json = ?, updated_at = ?
		WHERE plan_id = ? AND step_id = ?`,
		string(approvalsJSON), time.Now().UTC().Format(time.RFC3339Nano), planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate/file: record approval: %w", err)
	}
	return requireAffected(res, planstate.ErrNotFound)
}

// ForgetStep implements planstate.Store.
func (s *Store) ForgetStep(ctx context.Context, planID, stepID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM plan_step_entries WHERE plan_id = ? AND step_id = ?", planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate/file: forget step: %w", err)
	}
	return nil
}

// ListActiveSteps implements planstate.Store.
func (s *Store) ListActiveSteps(ctx context.Context) ([]model.PlanStepEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, step_id, state, attempt, trace_id, summary, output, step_json, subject_json, approvals_json, created_at, updated_at
		FROM plan_step_entries ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("planstate/file: list active steps: %w", err)
	}
	defer rows.Close()
	var out []model.PlanStepEntry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// created_at is RFC3339Nano text, whose trimmed fractional seconds do
	// not sort lexically in time order; order on the parsed values.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RememberPlanMetadata implements planstate.Store.
func (s *Store) RememberPlanMetadata(ctx context.Context, meta model.PlanMetadata) error {
	stepsJSON, err := json.Marshal(meta.Steps)
	if err != nil {
		return fmt.Errorf("planstate/file: marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_metadata (plan_id, trace_id, next_step_index, last_completed_index, steps_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			trace_id=excluded.trace_id, next_step_index=excluded.next_step_index,
			last_completed_index=excluded.last_completed_index, steps_json=excluded.steps_json,
			updated_at=excluded.updated_at`,
		meta.PlanID, meta.TraceID, meta.NextStepIndex, meta.LastCompletedIndex, string(stepsJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("planstate/file: remember metadata: %w", err)
	}
	return nil
}

// GetPlanMetadata implements planstate.Store.
func (s *Store) GetPlanMetadata(ctx context.Context, planID string) (model.PlanMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plan_id, trace_id, next_step_index, last_completed_index, steps_json
		FROM plan_metadata WHERE plan_id = ?`, planID)
	return scanMetadata(row)
}

// ForgetPlanMetadata implements planstate.Store.
func (s *Store) ForgetPlanMetadata(ctx context.Context, planID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM plan_metadata WHERE plan_id = ?", planID)
	if err != nil {
		return fmt.Errorf("planstate/file: forget metadata: %w", err)
	}
	return nil
}

// ListPlanMetadata implements planstate.Store.
func (s *Store) ListPlanMetadata(ctx context.Context) ([]model.PlanMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, trace_id, next_step_index, last_completed_index, steps_json
		FROM plan_metadata ORDER BY plan_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("planstate/file: list metadata: %w", err)
	}
	defer rows.Close()
	var out []model.PlanMetadata
	for rows.Next() {
		var m model.PlanMetadata
		var stepsJSON string
		if err := rows.Scan(&m.PlanID, &m.TraceID, &m.NextStepIndex, &m.LastCompletedIndex, &stepsJSON); err != nil {
			return nil, fmt.Errorf("planstate/file: scan metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &m.Steps); err != nil {
			return nil, fmt.Errorf("planstate/file: unmarshal steps: %w", err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, rows.Err()
}

// Sweep implements planstate.Store. It removes step entries whose last
// update is older than olderThan and are in a terminal state, covering the
// rare case of a process crash between a terminal SetState and the
// following ForgetStep.
func (s *Store) Sweep(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM plan_step_entries
		WHERE updated_at < ? AND state IN ('completed', 'failed', 'rejected', 'dead_lettered')`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("planstate/file: sweep: %w", err)
	}
	return nil
}

// Close implements planstate.Store.
func (s *Store) Close(context.Context) error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (model.PlanStepEntry, error) {
	e, err := scanEntryRows(row)
	if err == sql.ErrNoRows {
		return model.PlanStepEntry{}, planstate.ErrNotFound
	}
	return e, err
}

func scanEntryRows(row scanner) (model.PlanStepEntry, error) {
	var e model.PlanStepEntry
	var state, stepJSON, subjectJSON, approvalsJSON, created, updated string
	var output []byte
	err := row.Scan(&e.PlanID, &e.StepID, &state, &e.Attempt, &e.TraceID, &e.Summary, &output,
		&stepJSON, &subjectJSON, &approvalsJSON, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return e, err
		}
		return e, fmt.Errorf("planstate/file: scan entry: %w", err)
	}
	e.State = model.StepState(state)
	e.Output = output
	if err := json.Unmarshal([]byte(stepJSON), &e.Step); err != nil {
		return e, fmt.Errorf("planstate/file: unmarshal step: %w", err)
	}
	if subjectJSON != "" && subjectJSON != "null" {
		var subj model.PlanSubject
		if err := json.Unmarshal([]byte(subjectJSON), &subj); err != nil {
			return e, fmt.Errorf("planstate/file: unmarshal subject: %w", err)
		}
		e.Subject = &subj
	}
	if approvalsJSON != "" && approvalsJSON != "null" {
		if err := json.Unmarshal([]byte(approvalsJSON), &e.Approvals); err != nil {
			return e, fmt.Errorf("planstate/file: unmarshal approvals: %w", err)
		}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, nil
}

func scanMetadata(row scanner) (model.PlanMetadata, error) {
	var m model.PlanMetadata
	var stepsJSON string
	err := row.Scan(&m.PlanID, &m.TraceID, &m.NextStepIndex, &m.LastCompletedIndex, &stepsJSON)
	if err == sql.ErrNoRows {
		return m, planstate.ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("planstate/file: scan metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &m.Steps); err != nil {
		return m, fmt.Errorf("planstate/file: unmarshal steps: %w", err)
	}
	return m, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("planstate/file: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ planstate.Store = (*Store)(nil)
