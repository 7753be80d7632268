package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FlexiInc/sirpi-gcp/pkg/credentials"
	"github.com/FlexiInc/sirpi-gcp/pkg/logstream"
	"github.com/FlexiInc/sirpi-gcp/pkg/providers"
	"github.com/FlexiInc/sirpi-gcp/pkg/sandbox"
	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
	"github.com/FlexiInc/sirpi-gcp/pkg/telemetry"
)

// CredentialSource resolves stored credentials into a scoped lease.
type CredentialSource interface {
	Resolve(ctx context.Context, projectID, provider string) (*credentials.Lease, error)
}

// Config tunes the orchestrator's execution pipeline.
type Config struct {
	// WorkDir is the absolute path inside sandboxes where artifacts are
	// staged and commands run.
	WorkDir string `yaml:"work_dir"`

	// PhaseTimeout bounds a single phase end to end, sandbox included.
	PhaseTimeout time.Duration `yaml:"phase_timeout"`

	// ProvisionRetries is how many times sandbox provisioning is retried
	// before the phase fails.
	ProvisionRetries int `yaml:"provision_retries"`

	// ProvisionBackoff is the base delay between provisioning attempts;
	// it grows linearly with the attempt number.
	ProvisionBackoff time.Duration `yaml:"provision_backoff"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		WorkDir:          "/workspace",
		PhaseTimeout:     30 * time.Minute,
		ProvisionRetries: 3,
		ProvisionBackoff: 2 * time.Second,
	}
}

// Status is the combined view of a project returned by GetStatus.
type Status struct {
	Project          *stores.Project          `json:"project"`
	LatestGeneration *stores.Generation       `json:"latest_generation,omitempty"`
	LatestAction     *stores.DeploymentAction `json:"latest_action,omitempty"`
}

// runningAction tracks one in-flight phase pipeline.
type runningAction struct {
	projectID string
	cancel    context.CancelFunc
}

// Orchestrator drives deployment phases: it claims the project's single
// action slot, provisions a sandbox, stages artifacts, runs the provider
// commands while streaming output, and commits the terminal transition.
type Orchestrator struct {
	store     stores.Store
	creds     CredentialSource
	sandboxes sandbox.Manager
	registry  *providers.Registry
	broker    *logstream.Broker
	generator Generator
	config    Config
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	log       *telemetry.Logger

	mu     sync.Mutex
	active map[string]*runningAction
	wg     sync.WaitGroup
}

// NewOrchestrator wires the orchestrator from its collaborators.
func NewOrchestrator(
	store stores.Store,
	creds CredentialSource,
	sandboxes sandbox.Manager,
	registry *providers.Registry,
	broker *logstream.Broker,
	generator Generator,
	cfg Config,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	log *telemetry.Logger,
) *Orchestrator {
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultConfig().WorkDir
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if cfg.ProvisionBackoff <= 0 {
		cfg.ProvisionBackoff = DefaultConfig().ProvisionBackoff
	}
	return &Orchestrator{
		store:     store,
		creds:     creds,
		sandboxes: sandboxes,
		registry:  registry,
		broker:    broker,
		generator: generator,
		config:    cfg,
		metrics:   metrics,
		tracer:    tracer,
		log:       log.NewComponentLogger("orchestrator"),
		active:    make(map[string]*runningAction),
	}
}

// CreateProject registers a new project targeting a known provider.
func (o *Orchestrator) CreateProject(ctx context.Context, name, repoURL, providerName, region string) (*stores.Project, error) {
	if name == "" {
		return nil, NewValidationError("project name is required", nil)
	}
	if repoURL == "" {
		return nil, NewValidationError("repository url is required", nil)
	}
	if _, err := o.registry.Get(providerName); err != nil {
		return nil, NewValidationError(fmt.Sprintf("unknown provider %q", providerName), err)
	}

	now := time.Now().UTC()
	project := &stores.Project{
		ID:        uuid.New().String(),
		Name:      name,
		RepoURL:   repoURL,
		Provider:  providerName,
		Region:    region,
		Milestone: stores.MilestoneNone,
		Status:    stores.ProjectStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateProject(ctx, project); err != nil {
		return nil, NewInternalError("failed to create project", err)
	}

	o.log.WithProjectID(project.ID).WithField("name", name).Info("project created")
	return project, nil
}

// Generate produces and versions a new artifact bundle for a project.
// Each call appends an immutable generation; deployments always run the
// latest one.
func (o *Orchestrator) Generate(ctx context.Context, projectID string) (*stores.Generation, error) {
	project, err := o.getProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	artifacts, err := o.generator.Generate(ctx, project)
	if err != nil {
		return nil, NewValidationError("artifact generation failed", err)
	}

	version := 1
	if latest, err := o.store.LatestGeneration(ctx, projectID); err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, NewInternalError("failed to load latest generation", err)
	}

	generation := &stores.Generation{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Version:    version,
		Dockerfile: artifacts.Dockerfile,
		Terraform:  artifacts.Terraform,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.CreateGeneration(ctx, generation); err != nil {
		return nil, NewInternalError("failed to store generation", err)
	}

	o.log.WithProjectID(projectID).
		WithField("version", version).
		Info("artifacts generated")
	return generation, nil
}

// StartPhase validates, claims and launches one phase for a project. It
// returns as soon as the action is claimed; the pipeline runs in the
// background and its output is available through StreamLogs.
//
// Credentials are resolved before the claim so a credential problem is
// reported synchronously with no action record and no sandbox.
func (o *Orchestrator) StartPhase(ctx context.Context, projectID string, phase stores.Phase) (*stores.DeploymentAction, error) {
	if !phase.Valid() {
		return nil, NewValidationError(fmt.Sprintf("unknown phase %q", phase), nil)
	}

	project, err := o.getProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	driver, err := o.registry.Get(project.Provider)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("unknown provider %q", project.Provider), err)
	}

	generation, err := o.store.LatestGeneration(ctx, projectID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewValidationError("no artifacts generated for project", err)
		}
		return nil, NewInternalError("failed to load latest generation", err)
	}

	lease, err := o.creds.Resolve(ctx, projectID, project.Provider)
	if err != nil {
		return nil, NewCredentialError("failed to resolve credentials", err)
	}
	for _, name := range driver.RequiredCredentials() {
		if !lease.Has(name) {
			lease.Close()
			return nil, NewCredentialError(fmt.Sprintf("credential %s is not configured", name), nil)
		}
	}

	action := &stores.DeploymentAction{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		GenerationID: generation.ID,
		Phase:        phase,
		Status:       stores.ActionStatusPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := o.store.ClaimAction(ctx, action, phasePrereqs[phase]); err != nil {
		lease.Close()
		switch {
		case errors.Is(err, stores.ErrActionInProgress):
			return nil, NewConflictError("another action is in progress", err)
		case errors.Is(err, stores.ErrPhaseNotAllowed):
			return nil, NewValidationError(
				fmt.Sprintf("phase %s not allowed from milestone %s", phase, project.Milestone), err)
		case errors.Is(err, stores.ErrNotFound):
			return nil, NewNotFoundError("project not found", err)
		default:
			return nil, NewInternalError("failed to claim action", err)
		}
	}

	writer, err := o.broker.Open(ctx, action.ID)
	if err != nil {
		// The claim stands but the stream could not open; release the
		// slot so the project is not wedged.
		lease.Close()
		o.finish(action, project, stores.ActionStatusFailed, nil, err)
		return nil, NewInternalError("failed to open log stream", err)
	}

	// The pipeline outlives the request; it is cancelled via Cancel or
	// orchestrator shutdown, never by the caller's context.
	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.active[action.ID] = &runningAction{projectID: projectID, cancel: cancel}
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, project, generation, driver, lease, action, writer)

	return action, nil
}

// Destroy starts the destroy phase for a project. The project must hold
// the deployed milestone.
func (o *Orchestrator) Destroy(ctx context.Context, projectID string) (*stores.DeploymentAction, error) {
	return o.StartPhase(ctx, projectID, stores.PhaseDestroy)
}

// Cancel requests cancellation of an in-flight action. The pipeline stops
// at the next command boundary, tears the sandbox down, and finishes the
// action as cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, actionID string) error {
	o.mu.Lock()
	running, ok := o.active[actionID]
	o.mu.Unlock()

	if !ok {
		action, err := o.store.GetAction(ctx, actionID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return NewNotFoundError("action not found", err)
			}
			return NewInternalError("failed to load action", err)
		}
		return NewConflictError(
			fmt.Sprintf("action already finished with status %s", action.Status), nil)
	}

	if err := o.store.MarkActionCancelling(ctx, actionID); err != nil {
		return NewInternalError("failed to mark action cancelling", err)
	}
	running.cancel()

	o.log.WithActionID(actionID).Info("cancellation requested")
	return nil
}

// GetStatus returns the project with its latest generation and action.
func (o *Orchestrator) GetStatus(ctx context.Context, projectID string) (*Status, error) {
	project, err := o.getProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	status := &Status{Project: project}

	if generation, err := o.store.LatestGeneration(ctx, projectID); err == nil {
		status.LatestGeneration = generation
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, NewInternalError("failed to load latest generation", err)
	}

	if action, err := o.store.LatestAction(ctx, projectID); err == nil {
		status.LatestAction = action
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, NewInternalError("failed to load latest action", err)
	}

	return status, nil
}

// StreamLogs attaches a subscriber to an action's ordered log stream.
func (o *Orchestrator) StreamLogs(ctx context.Context, actionID string) (<-chan logstream.Event, error) {
	events, err := o.broker.Subscribe(ctx, actionID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("action not found", err)
		}
		return nil, NewInternalError("failed to subscribe to logs", err)
	}
	return events, nil
}

// Close cancels all in-flight pipelines and waits for them to finish
// their teardown, or for the context to end.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	for _, running := range o.active {
		running.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) getProject(ctx context.Context, projectID string) (*stores.Project, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("project not found", err)
		}
		return nil, NewInternalError("failed to load project", err)
	}
	return project, nil
}

// run executes one claimed phase end to end. It owns the action from
// claim to terminal transition and guarantees lease closure, sandbox
// teardown and stream termination on every path.
func (o *Orchestrator) run(
	ctx context.Context,
	project *stores.Project,
	generation *stores.Generation,
	driver providers.Driver,
	lease *credentials.Lease,
	action *stores.DeploymentAction,
	writer *logstream.Writer,
) {
	start := time.Now()
	phase := string(action.Phase)
	log := o.log.WithProjectID(project.ID).WithActionID(action.ID).WithPhase(phase)

	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.active, action.ID)
		o.mu.Unlock()
	}()
	defer writer.Close()
	defer lease.Close()

	ctx, cancel := context.WithTimeout(ctx, o.config.PhaseTimeout)
	defer cancel()

	spanCtx, span := o.tracer.StartPhaseSpan(ctx, project.ID, action.ID, phase, project.Provider)
	defer span.End()
	ctx = spanCtx

	o.metrics.RecordActionStarted(phase)
	if err := o.store.MarkActionRunning(context.Background(), action.ID); err != nil {
		log.WithError(err).Error("failed to mark action running")
	}

	runErr := o.execute(ctx, project, generation, driver, lease, action, writer, log)

	var status stores.ActionStatus
	var exitCode *int
	switch {
	case runErr == nil:
		status = stores.ActionStatusSucceeded
		telemetry.RecordSuccess(span)
	case ClassOf(runErr) == ErrorClassCancelled:
		status = stores.ActionStatusCancelled
	default:
		status = stores.ActionStatusFailed
		exitCode = exitCodeOf(runErr)
		if exitCode != nil {
			span.SetAttributes(telemetry.AttrExitCode.Int(*exitCode))
		}
		telemetry.RecordError(span, runErr)
		o.metrics.RecordError(string(ClassOf(runErr)))
	}

	o.finish(action, project, status, exitCode, runErr)
	o.appendSystem(writer, fmt.Sprintf("phase %s finished: %s", phase, status))

	o.metrics.RecordActionCompleted(phase, string(status), time.Since(start).Seconds())
	log.WithField("status", string(status)).
		WithField("duration", time.Since(start).String()).
		Info("phase finished")
}

// execute runs the pipeline body: provision, stage, run commands.
func (o *Orchestrator) execute(
	ctx context.Context,
	project *stores.Project,
	generation *stores.Generation,
	driver providers.Driver,
	lease *credentials.Lease,
	action *stores.DeploymentAction,
	writer *logstream.Writer,
	log *telemetry.Logger,
) error {
	o.appendSystem(writer, fmt.Sprintf("phase %s started", action.Phase))

	handle, err := o.provision(ctx, project, driver, action)
	if err != nil {
		o.appendSystem(writer, "sandbox provisioning failed: "+err.Error())
		return o.classifyCtx(ctx, err)
	}
	// Teardown is unconditional and runs on a fresh context inside the
	// handle, so cancellation and timeouts cannot leak the sandbox.
	defer func() {
		if err := handle.Destroy(context.Background()); err != nil {
			log.WithError(err).Error("sandbox teardown failed")
		}
	}()

	// Record the active sandbox reference; FinishAction clears it with
	// the terminal transition.
	sandboxID := handle.ID()
	if err := o.store.SetProjectSandbox(ctx, project.ID, &sandboxID); err != nil {
		log.WithError(err).Warn("failed to record sandbox reference")
	}

	files := map[string][]byte{
		"Dockerfile":        []byte(generation.Dockerfile),
		"terraform/main.tf": []byte(generation.Terraform),
	}
	if err := handle.StageFiles(ctx, files); err != nil {
		return o.classifyCtx(ctx, NewInternalError("failed to stage artifacts", err))
	}

	commands, err := driver.Commands(action.Phase, o.config.WorkDir)
	if err != nil {
		return NewValidationError("failed to build phase commands", err)
	}

	redactor := lease.Redactor()
	out := func(stream stores.LogStream, line string) {
		// Log persistence is deliberately detached from the phase
		// context so trailing output survives cancellation.
		if err := writer.Append(context.Background(), stream, redactor.Redact(line)); err != nil {
			log.WithError(err).Warn("failed to append log line")
		}
	}

	secretEnv := lease.Env()
	for _, cmd := range commands {
		cmd.Env = append(append([]string{}, cmd.Env...), secretEnv...)
		o.appendSystem(writer, "running: "+redactor.Redact(commandLine(cmd)))

		exit, err := handle.Run(ctx, cmd, out)
		if err != nil {
			return o.classifyCtx(ctx, NewInternalError("command failed to run", err))
		}
		if exit != 0 {
			execErr := NewExecutionError(
				fmt.Sprintf("command exited with code %d", exit), nil)
			execErr.Phase = string(action.Phase)
			execErr.ProjectID = project.ID
			return withExitCode(execErr, exit)
		}
	}

	return nil
}

// provision creates the sandbox, retrying transient failures with a
// linear backoff.
func (o *Orchestrator) provision(
	ctx context.Context,
	project *stores.Project,
	driver providers.Driver,
	action *stores.DeploymentAction,
) (sandbox.Handle, error) {
	spec := sandbox.Spec{
		ProjectID: project.ID,
		ActionID:  action.ID,
		Image:     driver.TemplateImage(),
		WorkDir:   o.config.WorkDir,
	}

	var lastErr error
	for attempt := 0; attempt <= o.config.ProvisionRetries; attempt++ {
		if attempt > 0 {
			o.metrics.RecordProvisionRetry()
			select {
			case <-time.After(time.Duration(attempt) * o.config.ProvisionBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		handle, err := o.sandboxes.Provision(ctx, spec)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, NewProvisionError(
		fmt.Sprintf("sandbox provisioning failed after %d attempts", o.config.ProvisionRetries+1), lastErr)
}

// classifyCtx maps a pipeline error through the context state: a timed
// out context becomes a timeout error, a cancelled one a cancellation.
func (o *Orchestrator) classifyCtx(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return NewTimeoutError("phase exceeded its deadline", err)
	case context.Canceled:
		return NewCancelledError("action cancelled")
	default:
		return err
	}
}

// finish commits the terminal action status together with the project
// transition. Runs on a background context: a terminal state must be
// recorded even when the pipeline context is gone.
func (o *Orchestrator) finish(
	action *stores.DeploymentAction,
	project *stores.Project,
	status stores.ActionStatus,
	exitCode *int,
	runErr error,
) {
	transition := stores.ProjectTransition{
		Milestone: project.Milestone,
	}
	switch status {
	case stores.ActionStatusSucceeded:
		transition.Milestone = phaseMilestones[action.Phase]
		transition.Status = stores.ProjectStatusIdle
	case stores.ActionStatusCancelled:
		transition.Status = stores.ProjectStatusCancelled
	default:
		transition.Status = stores.ProjectStatusFailed
		failed := action.Phase
		transition.FailedPhase = &failed
	}

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.FinishAction(ctx, action.ID, status, exitCode, errMsg, transition); err != nil {
		o.log.WithActionID(action.ID).WithError(err).Error("failed to finish action")
	}
}

// appendSystem writes an operational marker line to the action's stream.
func (o *Orchestrator) appendSystem(writer *logstream.Writer, text string) {
	if err := writer.Append(context.Background(), stores.LogStreamSystem, text); err != nil {
		o.log.WithError(err).Debug("failed to append system line")
	}
}

// commandLine renders a command for the system log.
func commandLine(cmd sandbox.Command) string {
	line := ""
	for i, arg := range cmd.Argv {
		if i > 0 {
			line += " "
		}
		line += arg
	}
	return line
}

// exitCoded carries a process exit code through an error chain.
type exitCoded struct {
	err  *Error
	code int
}

func (e *exitCoded) Error() string { return e.err.Error() }

func (e *exitCoded) Unwrap() error { return e.err }

func withExitCode(err *Error, code int) error {
	return &exitCoded{err: err, code: code}
}

// exitCodeOf extracts the exit code when the chain carries one.
func exitCodeOf(err error) *int {
	var e *exitCoded
	if errors.As(err, &e) {
		code := e.code
		return &code
	}
	return nil
}
