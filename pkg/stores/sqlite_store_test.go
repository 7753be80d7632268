package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// setupTestStore creates a throwaway file-backed SQLite store. A file is
// used instead of :memory: so every pooled connection sees the same
// database.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "sirpi.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func seedProject(t *testing.T, store *SQLiteStore, milestone Milestone) *Project {
	t.Helper()

	now := time.Now().UTC()
	p := &Project{
		ID:        "proj-" + string(milestone),
		Name:      "demo",
		RepoURL:   "https://github.com/acme/demo",
		Provider:  "gcp",
		Region:    "us-central1",
		Milestone: milestone,
		Status:    ProjectStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}

	g := &Generation{
		ID:         "gen-" + p.ID,
		ProjectID:  p.ID,
		Version:    1,
		Dockerfile: "FROM golang:1.25",
		Terraform:  `resource "google_cloud_run_v2_service" "app" {}`,
		CreatedAt:  now,
	}
	if err := store.CreateGeneration(context.Background(), g); err != nil {
		t.Fatalf("failed to seed generation: %v", err)
	}

	return p
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"projects", "generations", "deployment_actions", "log_lines", "credentials"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestInitAppliesConnectionPragmas verifies the DSN pragmas reach the
// pooled connections. Without a busy timeout concurrent transactions fail
// immediately with SQLITE_BUSY instead of queueing.
func TestInitAppliesConnectionPragmas(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	var busyTimeout int
	if err := store.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("failed to read busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("expected busy_timeout 5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := store.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("failed to read foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("expected foreign_keys on, got %d", foreignKeys)
	}

	var journalMode string
	if err := store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode wal, got %s", journalMode)
	}
}

func TestProjectCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneNone)

	retrieved, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if retrieved.Name != p.Name {
		t.Errorf("expected name %s, got %s", p.Name, retrieved.Name)
	}
	if retrieved.Milestone != MilestoneNone {
		t.Errorf("expected milestone none, got %s", retrieved.Milestone)
	}
	if retrieved.Status != ProjectStatusIdle {
		t.Errorf("expected status idle, got %s", retrieved.Status)
	}

	if _, err := store.GetProject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	projects, err := store.ListProjects(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list projects: %v", err)
	}
	if len(projects) != 1 {
		t.Errorf("expected 1 project, got %d", len(projects))
	}
}

func TestGenerationVersioning(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneNone)

	g2 := &Generation{
		ID:         "gen-v2",
		ProjectID:  p.ID,
		Version:    2,
		Dockerfile: "FROM golang:1.25 AS build",
		Terraform:  `resource "google_cloud_run_v2_service" "app" { name = "demo" }`,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateGeneration(ctx, g2); err != nil {
		t.Fatalf("failed to create generation: %v", err)
	}

	latest, err := store.LatestGeneration(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get latest generation: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("expected version 2, got %d", latest.Version)
	}

	// Versions are unique per project
	dup := &Generation{
		ID:        "gen-dup",
		ProjectID: p.ID,
		Version:   2,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateGeneration(ctx, dup); err == nil {
		t.Error("expected duplicate version insert to fail")
	}
}

func TestClaimAction(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneBuilt)

	action := &DeploymentAction{
		ID:           "act-1",
		ProjectID:    p.ID,
		GenerationID: "gen-" + p.ID,
		Phase:        PhasePlan,
		Status:       ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}

	if err := store.ClaimAction(ctx, action, []Milestone{MilestoneBuilt}); err != nil {
		t.Fatalf("failed to claim action: %v", err)
	}

	// Project flipped to running as part of the claim
	proj, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if proj.Status != ProjectStatusRunning {
		t.Errorf("expected project status running, got %s", proj.Status)
	}

	// Second claim while the first is in progress must conflict
	second := &DeploymentAction{
		ID:           "act-2",
		ProjectID:    p.ID,
		GenerationID: "gen-" + p.ID,
		Phase:        PhasePlan,
		Status:       ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}
	err = store.ClaimAction(ctx, second, []Milestone{MilestoneBuilt})
	if !errors.Is(err, ErrActionInProgress) {
		t.Errorf("expected ErrActionInProgress, got %v", err)
	}

	if _, err := store.GetAction(ctx, "act-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected claim must leave no action row, got %v", err)
	}
}

func TestClaimActionPhaseNotAllowed(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneNone)

	action := &DeploymentAction{
		ID:           "act-apply",
		ProjectID:    p.ID,
		GenerationID: "gen-" + p.ID,
		Phase:        PhaseApply,
		Status:       ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}

	err := store.ClaimAction(ctx, action, []Milestone{MilestonePlanned})
	if !errors.Is(err, ErrPhaseNotAllowed) {
		t.Errorf("expected ErrPhaseNotAllowed, got %v", err)
	}

	// No side effects on the project
	proj, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if proj.Status != ProjectStatusIdle {
		t.Errorf("expected project status idle, got %s", proj.Status)
	}
}

// TestClaimActionConcurrent verifies the single in-progress action
// invariant under concurrent start attempts.
func TestClaimActionConcurrent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneNone)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := &DeploymentAction{
				ID:           "act-race-" + string(rune('a'+i)),
				ProjectID:    p.ID,
				GenerationID: "gen-" + p.ID,
				Phase:        PhaseBuild,
				Status:       ActionStatusPending,
				StartedAt:    time.Now().UTC(),
			}
			errs[i] = store.ClaimAction(ctx, action, []Milestone{MilestoneNone})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrActionInProgress) {
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
}

func TestFinishAction(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneNone)

	action := &DeploymentAction{
		ID:           "act-build",
		ProjectID:    p.ID,
		GenerationID: "gen-" + p.ID,
		Phase:        PhaseBuild,
		Status:       ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := store.ClaimAction(ctx, action, []Milestone{MilestoneNone}); err != nil {
		t.Fatalf("failed to claim action: %v", err)
	}
	if err := store.MarkActionRunning(ctx, action.ID); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}

	exitCode := 0
	err := store.FinishAction(ctx, action.ID, ActionStatusSucceeded, &exitCode, nil, ProjectTransition{
		Milestone: MilestoneBuilt,
		Status:    ProjectStatusIdle,
	})
	if err != nil {
		t.Fatalf("failed to finish action: %v", err)
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to get action: %v", err)
	}
	if got.Status != ActionStatusSucceeded {
		t.Errorf("expected status succeeded, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", got.ExitCode)
	}
	if got.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}

	proj, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if proj.Milestone != MilestoneBuilt {
		t.Errorf("expected milestone built, got %s", proj.Milestone)
	}
	if proj.Status != ProjectStatusIdle {
		t.Errorf("expected status idle, got %s", proj.Status)
	}

	// A second finish must not overwrite the terminal state
	err = store.FinishAction(ctx, action.ID, ActionStatusFailed, nil, nil, ProjectTransition{
		Milestone: MilestoneNone,
		Status:    ProjectStatusFailed,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for double finish, got %v", err)
	}
}

func TestFinishActionFailureKeepsMilestone(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneBuilt)

	action := &DeploymentAction{
		ID:           "act-plan",
		ProjectID:    p.ID,
		GenerationID: "gen-" + p.ID,
		Phase:        PhasePlan,
		Status:       ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := store.ClaimAction(ctx, action, []Milestone{MilestoneBuilt}); err != nil {
		t.Fatalf("failed to claim action: %v", err)
	}

	exitCode := 1
	errMsg := "terraform plan exited with code 1"
	failedPhase := PhasePlan
	err := store.FinishAction(ctx, action.ID, ActionStatusFailed, &exitCode, &errMsg, ProjectTransition{
		Milestone:   MilestoneBuilt,
		Status:      ProjectStatusFailed,
		FailedPhase: &failedPhase,
	})
	if err != nil {
		t.Fatalf("failed to finish action: %v", err)
	}

	proj, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if proj.Milestone != MilestoneBuilt {
		t.Errorf("failure must retain milestone built, got %s", proj.Milestone)
	}
	if proj.Status != ProjectStatusFailed {
		t.Errorf("expected status failed, got %s", proj.Status)
	}
	if proj.FailedPhase == nil || *proj.FailedPhase != PhasePlan {
		t.Errorf("expected failed phase plan, got %v", proj.FailedPhase)
	}

	// Retry re-enters at the same phase with a fresh action
	retry := &DeploymentAction{
		ID:           "act-plan-retry",
		ProjectID:    p.ID,
		GenerationID: "gen-" + p.ID,
		Phase:        PhasePlan,
		Status:       ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := store.ClaimAction(ctx, retry, []Milestone{MilestoneBuilt}); err != nil {
		t.Fatalf("retry claim should succeed: %v", err)
	}
}

// TestSetProjectSandbox verifies the active sandbox reference is stored
// while an action runs and cleared by the terminal transition.
func TestSetProjectSandbox(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneNone)

	action := &DeploymentAction{
		ID:           "act-sandbox",
		ProjectID:    p.ID,
		GenerationID: "gen-" + p.ID,
		Phase:        PhaseBuild,
		Status:       ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := store.ClaimAction(ctx, action, []Milestone{MilestoneNone}); err != nil {
		t.Fatalf("failed to claim action: %v", err)
	}

	sandboxID := "sirpi-act-sandbox"
	if err := store.SetProjectSandbox(ctx, p.ID, &sandboxID); err != nil {
		t.Fatalf("failed to set sandbox reference: %v", err)
	}

	proj, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if proj.SandboxID == nil || *proj.SandboxID != sandboxID {
		t.Fatalf("expected sandbox reference %s, got %v", sandboxID, proj.SandboxID)
	}

	err = store.FinishAction(ctx, action.ID, ActionStatusSucceeded, nil, nil, ProjectTransition{
		Milestone: MilestoneBuilt,
		Status:    ProjectStatusIdle,
	})
	if err != nil {
		t.Fatalf("failed to finish action: %v", err)
	}

	proj, err = store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if proj.SandboxID != nil {
		t.Errorf("terminal transition must clear the sandbox reference, got %v", *proj.SandboxID)
	}

	if err := store.SetProjectSandbox(ctx, "missing", &sandboxID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLogLines(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneNone)

	action := &DeploymentAction{
		ID:           "act-logs",
		ProjectID:    p.ID,
		GenerationID: "gen-" + p.ID,
		Phase:        PhaseBuild,
		Status:       ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := store.ClaimAction(ctx, action, []Milestone{MilestoneNone}); err != nil {
		t.Fatalf("failed to claim action: %v", err)
	}

	lines := make([]*LogLine, 0, 5)
	for i := int64(1); i <= 5; i++ {
		lines = append(lines, &LogLine{
			ActionID:  action.ID,
			Seq:       i,
			Stream:    LogStreamStdout,
			Timestamp: time.Now().UTC(),
			Text:      "step output",
		})
	}
	if err := store.AppendLogLines(ctx, lines); err != nil {
		t.Fatalf("failed to append log lines: %v", err)
	}

	got, err := store.ListLogLines(ctx, action.ID, 2, 100)
	if err != nil {
		t.Fatalf("failed to list log lines: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 lines after seq 2, got %d", len(got))
	}
	for i, line := range got {
		if line.Seq != int64(3+i) {
			t.Errorf("expected seq %d, got %d", 3+i, line.Seq)
		}
	}

	last, err := store.LastLogSeq(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to get last seq: %v", err)
	}
	if last != 5 {
		t.Errorf("expected last seq 5, got %d", last)
	}

	// Duplicate sequence numbers are rejected
	dup := []*LogLine{{
		ActionID:  action.ID,
		Seq:       3,
		Stream:    LogStreamStdout,
		Timestamp: time.Now().UTC(),
		Text:      "duplicate",
	}}
	if err := store.AppendLogLines(ctx, dup); err == nil {
		t.Error("expected duplicate seq insert to fail")
	}
}

func TestCredentialCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	p := seedProject(t, store, MilestoneNone)

	now := time.Now().UTC()
	cred := &Credential{
		ID:         "cred-1",
		ProjectID:  p.ID,
		Provider:   "gcp",
		Name:       "GOOGLE_APPLICATION_CREDENTIALS_JSON",
		Ciphertext: []byte{0x01, 0x02, 0x03},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("failed to upsert credential: %v", err)
	}

	// Upsert on the same (project, provider, name) replaces the ciphertext
	cred.Ciphertext = []byte{0x04, 0x05}
	cred.UpdatedAt = time.Now().UTC()
	if err := store.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("failed to replace credential: %v", err)
	}

	creds, err := store.ListCredentials(ctx, p.ID, "gcp")
	if err != nil {
		t.Fatalf("failed to list credentials: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(creds))
	}
	if len(creds[0].Ciphertext) != 2 {
		t.Errorf("expected replaced ciphertext, got %d bytes", len(creds[0].Ciphertext))
	}

	if err := store.DeleteCredential(ctx, "cred-1"); err != nil {
		t.Fatalf("failed to delete credential: %v", err)
	}
	if err := store.DeleteCredential(ctx, "cred-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
