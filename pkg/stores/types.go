package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Phase is one discrete deployment step.
type Phase string

const (
	PhaseBuild   Phase = "build"
	PhasePlan    Phase = "plan"
	PhaseApply   Phase = "apply"
	PhaseDestroy Phase = "destroy"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseBuild, PhasePlan, PhaseApply, PhaseDestroy:
		return true
	}
	return false
}

// Milestone is the last phase a project completed successfully. A failed
// phase never regresses the milestone, so a retry re-enters at the same
// phase with a fresh action.
type Milestone string

const (
	MilestoneNone      Milestone = "none"
	MilestoneBuilt     Milestone = "built"
	MilestonePlanned   Milestone = "planned"
	MilestoneDeployed  Milestone = "deployed"
	MilestoneDestroyed Milestone = "destroyed"
)

// ProjectStatus represents the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectStatusIdle       ProjectStatus = "idle"
	ProjectStatusRunning    ProjectStatus = "running"
	ProjectStatusFailed     ProjectStatus = "failed"
	ProjectStatusCancelling ProjectStatus = "cancelling"
	ProjectStatusCancelled  ProjectStatus = "cancelled"
)

// ActionStatus represents the status of a deployment action.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusRunning    ActionStatus = "running"
	ActionStatusSucceeded  ActionStatus = "succeeded"
	ActionStatusFailed     ActionStatus = "failed"
	ActionStatusCancelling ActionStatus = "cancelling"
	ActionStatusCancelled  ActionStatus = "cancelled"
)

// IsTerminal reports whether the action has reached a final state.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled:
		return true
	}
	return false
}

// InProgress reports whether the action still holds the project's
// single-action slot.
func (s ActionStatus) InProgress() bool {
	return !s.IsTerminal()
}

// LogStream tags the origin of a captured log line.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
	LogStreamSystem LogStream = "system"
)

// Project is a deployable unit of work tied to one source repository and
// one cloud target. Mutated only through validated phase transitions.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	RepoURL     string        `json:"repo_url"`
	Provider    string        `json:"provider"`
	Region      string        `json:"region"`
	Milestone   Milestone     `json:"milestone"`
	Status      ProjectStatus `json:"status"`
	FailedPhase *Phase        `json:"failed_phase,omitempty"`
	SandboxID   *string       `json:"sandbox_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Generation is a versioned artifact bundle produced by the generator.
// Immutable once created.
type Generation struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Version    int       `json:"version"`
	Dockerfile string    `json:"dockerfile"`
	Terraform  string    `json:"terraform"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeploymentAction is one execution instance of a phase for a project.
// At most one per project may be in progress at any instant.
type DeploymentAction struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"project_id"`
	GenerationID string       `json:"generation_id"`
	Phase        Phase        `json:"phase"`
	Status       ActionStatus `json:"status"`
	ExitCode     *int         `json:"exit_code,omitempty"`
	Error        *string      `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// LogLine is one ordered unit of captured output belonging to an action.
// Sequence numbers are gapless per action.
type LogLine struct {
	ActionID  string    `json:"action_id"`
	Seq       int64     `json:"seq"`
	Stream    LogStream `json:"stream"`
	Timestamp time.Time `json:"ts"`
	Text      string    `json:"text"`
}

// Credential is encrypted secret material scoped to a provider. The
// plaintext exists only transiently inside a sandbox invocation.
type Credential struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Provider   string    `json:"provider"`
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProjectTransition describes the project-side effect committed together
// with a terminal action status.
type ProjectTransition struct {
	Milestone   Milestone
	Status      ProjectStatus
	FailedPhase *Phase
}

// Sentinel errors returned by the transactional transition primitives.
var (
	ErrNotFound         = errors.New("record not found")
	ErrActionInProgress = errors.New("another action is in progress")
	ErrPhaseNotAllowed  = errors.New("project state does not allow this phase")
)

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Project operations
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, limit, offset int) ([]*Project, error)
	SetProjectSandbox(ctx context.Context, projectID string, sandboxID *string) error

	// Generation operations
	CreateGeneration(ctx context.Context, g *Generation) error
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	LatestGeneration(ctx context.Context, projectID string) (*Generation, error)

	// DeploymentAction operations
	GetAction(ctx context.Context, id string) (*DeploymentAction, error)
	LatestAction(ctx context.Context, projectID string) (*DeploymentAction, error)
	ClaimAction(ctx context.Context, action *DeploymentAction, allowed []Milestone) error
	MarkActionRunning(ctx context.Context, id string) error
	MarkActionCancelling(ctx context.Context, id string) error
	FinishAction(ctx context.Context, id string, status ActionStatus, exitCode *int, errMsg *string, transition ProjectTransition) error

	// LogLine operations
	AppendLogLines(ctx context.Context, lines []*LogLine) error
	ListLogLines(ctx context.Context, actionID string, afterSeq int64, limit int) ([]*LogLine, error)
	LastLogSeq(ctx context.Context, actionID string) (int64, error)

	// Credential operations
	UpsertCredential(ctx context.Context, c *Credential) error
	ListCredentials(ctx context.Context, projectID, provider string) ([]*Credential, error)
	DeleteCredential(ctx context.Context, id string) error
}
