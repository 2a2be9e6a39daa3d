// Package postgres implements planstate.Store on PostgreSQL via pgx/v5's
// connection pool. This is the "relational" planState.backend named in
// spec.md §6, suited to multi-node deployments where several runtime
// processes rehydrate from a shared store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentrt/planqueue/planstate"
	"github.com/agentrt/planqueue/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS plan_step_entries (
	plan_id        TEXT NOT NULL,
	step_id        TEXT NOT NULL,
	state          TEXT NOT NULL,
	attempt        INTEGER NOT NULL,
	trace_id       TEXT NOT NULL,
	summary        TEXT NOT NULL DEFAULT '',
	output         JSONB,
	step_json      JSONB NOT NULL,
	subject_json   JSONB,
	approvals_json JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (plan_id, step_id)
);

CREATE TABLE IF NOT EXISTS plan_metadata (
	plan_id              TEXT PRIMARY KEY,
	trace_id             TEXT NOT NULL,
	next_step_index      INTEGER NOT NULL,
	last_completed_index INTEGER NOT NULL,
	steps_json           JSONB NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
`

// Store implements planstate.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, applies the schema, and returns a ready-to-use
// Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("planstate/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("planstate/postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("planstate/postgres: apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// RememberStep implements planstate.Store.
func (s *Store) RememberStep(ctx context.Context, entry model.PlanStepEntry) error {
	stepJSON, err := json.Marshal(entry.Step)
	if err != nil {
		return fmt.Errorf("planstate/postgres: marshal step: %w", err)
	}
	subjectJSON, err := json.Marshal(entry.Subject)
	if err != nil {
		return fmt.Errorf("planstate/postgres: marshal subject: %w", err)
	}
	approvalsJSON, err := json.Marshal(entry.Approvals)
	if err != nil {
		return fmt.Errorf("planstate/postgres: marshal approvals: %w", err)
	}
	now := time.Now()
	created := entry.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO plan_step_entries
			(plan_id, step_id, state, attempt, trace_id, summary, output, step_json, subject_json, approvals_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (plan_id, step_id) DO UPDATE SET
			state = excluded.state, attempt = excluded.attempt, trace_id = excluded.trace_id,
			summary = excluded.summary, output = excluded.output, step_json = excluded.step_json,
			subject_json = excluded.subject_json, approvals_json = excluded.approvals_json,
			updated_at = excluded.updated_at`,
		entry.PlanID, entry.StepID, string(entry.State), entry.Attempt, entry.TraceID, entry.Summary,
		nullableJSON(entry.Output), stepJSON, subjectJSON, approvalsJSON, created, now)
	if err != nil {
		return fmt.Errorf("planstate/postgres: remember step: %w", err)
	}
	return nil
}

// GetEntry implements planstate.Store.
func (s *Store) GetEntry(ctx context.Context, planID, stepID string) (model.PlanStepEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT plan_id, step_id, state, attempt, trace_id, summary, output, step_json, subject_json, approvals_json, created_at, updated_at
		FROM plan_step_entries WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	return scanEntry(row)
}

// SetState implements planstate.Store.
func (s *Store) SetState(ctx context.Context, planID, stepID string, state model.StepState, summary string, output []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE plan_step_entries SET state = $1, summary = $2, output = $3, updated_at = $4
		WHERE plan_id = $5 AND step_id = $6`,
		string(state), summary, nullableJSON(output), time.Now(), planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate/postgres: set state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return planstate.ErrNotFound
	}
	return nil
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
		return fmt.Errorf("planstate/postgres: marshal approvals: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE plan_step_entries SET approvals_json = $1, updated_at = $2
		WHERE plan_id = $3 AND step_id = $4`,
		approvalsJSON, time.Now(), planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate/postgres: record approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return planstate.ErrNotFound
	}
	return nil
}

// ForgetStep implements planstate.Store.
func (s *Store) ForgetStep(ctx context.Context, planID, stepID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM plan_step_entries WHERE plan_id = $1 AND step_id = $2", planID, stepID)
	if err != nil {
		return fmt.Errorf("planstate/postgres: forget step: %w", err)
	}
	return nil
}

// ListActiveSteps implements planstate.Store.
func (s *Store) ListActiveSteps(ctx context.Context) ([]model.PlanStepEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT plan_id, step_id, state, attempt, trace_id, summary, output, step_json, subject_json, approvals_json, created_at, updated_at
		FROM plan_step_entries ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("planstate/postgres: list active steps: %w", err)
	}
	defer rows.Close()
	var out []model.PlanStepEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RememberPlanMetadata implements planstate.Store.
func (s *Store) RememberPlanMetadata(ctx context.Context, meta model.PlanMetadata) error {
	stepsJSON, err := json.Marshal(meta.Steps)
	if err != nil {
		return fmt.Errorf("planstate/postgres: marshal steps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO plan_metadata (plan_id, trace_id, next_step_index, last_completed_index, steps_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (plan_id) DO UPDATE SET
			trace_id = excluded.trace_id, next_step_index = excluded.next_step_index,
			last_completed_index = excluded.last_completed_index, steps_json = excluded.steps_json,
			updated_at = excluded.updated_at`,
		meta.PlanID, meta.TraceID, meta.NextStepIndex, meta.LastCompletedIndex, stepsJSON, time.Now())
	if err != nil {
		return fmt.Errorf("planstate/postgres: remember metadata: %w", err)
	}
	return nil
}

// GetPlanMetadata implements planstate.Store.
func (s *Store) GetPlanMetadata(ctx context.Context, planID string) (model.PlanMetadata, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT plan_id, trace_id, next_step_index, last_completed_index, steps_json
		FROM plan_metadata WHERE plan_id = $1`, planID)
	return scanMetadata(row)
}

// ForgetPlanMetadata implements planstate.Store.
func (s *Store) ForgetPlanMetadata(ctx context.Context, planID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM plan_metadata WHERE plan_id = $1", planID)
	if err != nil {
		return fmt.Errorf("planstate/postgres: forget metadata: %w", err)
	}
	return nil
}

// ListPlanMetadata implements planstate.Store.
func (s *Store) ListPlanMetadata(ctx context.Context) ([]model.PlanMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT plan_id, trace_id, next_step_index, last_completed_index, steps_json
		FROM plan_metadata ORDER BY plan_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("planstate/postgres: list metadata: %w", err)
	}
	defer rows.Close()
	var out []model.PlanMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, rows.Err()
}

// Sweep implements planstate.Store, deleting terminal step entries whose
// last update predates olderThan. Completion already deletes entries
// promptly (ForgetStep); this only covers the crash window between a
// terminal SetState and the following ForgetStep.
func (s *Store) Sweep(ctx context.Context, olderThan time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM plan_step_entries
		WHERE updated_at < $1 AND state IN ('completed', 'failed', 'rejected', 'dead_lettered')`,
		olderThan)
	if err != nil {
		return fmt.Errorf("planstate/postgres: sweep: %w", err)
	}
	return nil
}

// Close implements planstate.Store.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

type row interface {
	Scan(dest ...any) error
}

func scanEntry(r row) (model.PlanStepEntry, error) {
	var e model.PlanStepEntry
	var state string
	var stepJSON, subjectJSON, approvalsJSON, output []byte
	err := r.Scan(&e.PlanID, &e.StepID, &state, &e.Attempt, &e.TraceID, &e.Summary, &output,
		&stepJSON, &subjectJSON, &approvalsJSON, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, planstate.ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("planstate/postgres: scan entry: %w", err)
	}
	e.State = model.StepState(state)
	e.Output = output
	if err := json.Unmarshal(stepJSON, &e.Step); err != nil {
		return e, fmt.Errorf("planstate/postgres: unmarshal step: %w", err)
	}
	if len(subjectJSON) > 0 && string(subjectJSON) != "null" {
		var subj model.PlanSubject
		if err := json.Unmarshal(subjectJSON, &subj); err != nil {
			return e, fmt.Errorf("planstate/postgres: unmarshal subject: %w", err)
		}
		e.Subject = &subj
	}
	if len(approvalsJSON) > 0 && string(approvalsJSON) != "null" {
		if err := json.Unmarshal(approvalsJSON, &e.Approvals); err != nil {
			return e, fmt.Errorf("planstate/postgres: unmarshal approvals: %w", err)
		}
	}
	return e, nil
}

func scanMetadata(r row) (model.PlanMetadata, error) {
	var m model.PlanMetadata
	var stepsJSON []byte
	err := r.Scan(&m.PlanID, &m.TraceID, &m.NextStepIndex, &m.LastCompletedIndex, &stepsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, planstate.ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("planstate/postgres: scan metadata: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &m.Steps); err != nil {
		return m, fmt.Errorf("planstate/postgres: unmarshal steps: %w", err)
	}
	return m, nil
}

func nullableJSON(b []byte) []byte {
	if b == nil {
		return nil
	}
	return b
}

var _ planstate.Store = (*Store)(nil)
