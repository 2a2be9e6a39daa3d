package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentrt/planqueue/model"
	"github.com/agentrt/planqueue/planstate"
)

var (
	testPostgresDSN       string
	testPostgresContainer testcontainers.Container
	skipPostgresTests     bool
)

func setupPostgres() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "planqueue",
				"POSTGRES_PASSWORD": "planqueue",
				"POSTGRES_DB":       "planqueue",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		}
		testPostgresContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, postgres planstate tests will be skipped: %v\n", containerErr)
		skipPostgresTests = true
		return
	}

	host, err := testPostgresContainer.Host(ctx)
	if err != nil {
		skipPostgresTests = true
		return
	}
	port, err := testPostgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		skipPostgresTests = true
		return
	}
	testPostgresDSN = fmt.Sprintf("postgres://planqueue:planqueue@%s:%s/planqueue?sslmode=disable", host, port.Port())
}

func getPostgresStore(t *testing.T) *Store {
	t.Helper()
	if testPostgresDSN == "" && !skipPostgresTests {
		setupPostgres()
	}
	if skipPostgresTests {
		t.Skip("Docker not available, skipping postgres planstate test")
	}
	s, err := Open(context.Background(), testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	_, err = s.pool.Exec(context.Background(), "TRUNCATE plan_step_entries, plan_metadata")
	require.NoError(t, err)
	return s
}

func TestPostgresStore_RememberGetForgetStep(t *testing.T) {
	s := getPostgresStore(t)
	ctx := context.Background()

	_, err := s.GetEntry(ctx, "p1", "s1")
	require.ErrorIs(t, err, planstate.ErrNotFound)

	entry := model.PlanStepEntry{
		PlanID: "p1", StepID: "s1", State: model.StateRunning, Attempt: 1,
		Step:    model.PlanStep{ID: "s1", Tool: "search"},
		Subject: &model.PlanSubject{SessionID: "sess-1"},
	}
	require.NoError(t, s.RememberStep(ctx, entry))

	got, err := s.GetEntry(ctx, "p1", "s1")
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, got.State)
	require.Equal(t, "search", got.Step.Tool)
	require.Equal(t, "sess-1", got.Subject.SessionID)

	require.NoError(t, s.ForgetStep(ctx, "p1", "s1"))
	_, err = s.GetEntry(ctx, "p1", "s1")
	require.ErrorIs(t, err, planstate.ErrNotFound)
}

func TestPostgresStore_SetStateAndApproval(t *testing.T) {
	s := getPostgresStore(t)
	ctx := context.Background()

	require.ErrorIs(t, s.SetState(ctx, "p1", "s1", model.StateCompleted, "done", nil), planstate.ErrNotFound)

	require.NoError(t, s.RememberStep(ctx, model.PlanStepEntry{PlanID: "p1", StepID: "s1", Step: model.PlanStep{ID: "s1"}}))
	require.NoError(t, s.SetState(ctx, "p1", "s1", model.StateCompleted, "done", []byte(`{"ok":true}`)))
	require.NoError(t, s.RecordApproval(ctx, "p1", "s1", "cap.a", true))

	got, err := s.GetEntry(ctx, "p1", "s1")
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, got.State)
	require.JSONEq(t, `{"ok":true}`, string(got.Output))
	require.Equal(t, map[string]bool{"cap.a": true}, got.Approvals)
}

func TestPostgresStore_PlanMetadataLifecycle(t *testing.T) {
	s := getPostgresStore(t)
	ctx := context.Background()

	meta := model.PlanMetadata{PlanID: "p1", NextStepIndex: 1, Steps: []model.PlanStepMetadataEntry{{Step: model.PlanStep{ID: "s1"}}}}
	require.NoError(t, s.RememberPlanMetadata(ctx, meta))

	got, err := s.GetPlanMetadata(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, got.NextStepIndex)

	require.NoError(t, s.ForgetPlanMetadata(ctx, "p1"))
	_, err = s.GetPlanMetadata(ctx, "p1")
	require.ErrorIs(t, err, planstate.ErrNotFound)
}

func TestPostgresStore_SweepRemovesOldTerminalEntriesOnly(t *testing.T) {
	s := getPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.RememberStep(ctx, model.PlanStepEntry{PlanID: "p1", StepID: "terminal", Step: model.PlanStep{ID: "terminal"}}))
	require.NoError(t, s.SetState(ctx, "p1", "terminal", model.StateFailed, "boom", nil))

	require.NoError(t, s.RememberStep(ctx, model.PlanStepEntry{PlanID: "p1", StepID: "live", Step: model.PlanStep{ID: "live"}}))

	require.NoError(t, s.Sweep(ctx, time.Now().Add(time.Hour)))

	_, err := s.GetEntry(ctx, "p1", "terminal")
	require.ErrorIs(t, err, planstate.ErrNotFound)

	got, err := s.GetEntry(ctx, "p1", "live")
	require.NoError(t, err)
	require.Equal(t, "live", got.StepID)
}
