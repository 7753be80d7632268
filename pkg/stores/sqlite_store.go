package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode. The
// _pragma parameters use the modernc driver's syntax and apply to every
// pooled connection; the busy timeout makes concurrent writers queue
// instead of failing with SQLITE_BUSY.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CreateProject creates a new project record
func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	query := `
		INSERT INTO projects (id, name, repo_url, provider, region, milestone, status, failed_phase, sandbox_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.RepoURL,
		p.Provider,
		p.Region,
		p.Milestone,
		p.Status,
		p.FailedPhase,
		p.SandboxID,
		p.CreatedAt,
		p.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	query := `
		SELECT id, name, repo_url, provider, region, milestone, status, failed_phase, sandbox_id, created_at, updated_at
		FROM projects
		WHERE id = ?
	`

	p := &Project{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.RepoURL,
		&p.Provider,
		&p.Region,
		&p.Milestone,
		&p.Status,
		&p.FailedPhase,
		&p.SandboxID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return p, nil
}

// ListProjects lists projects with pagination
func (s *SQLiteStore) ListProjects(ctx context.Context, limit, offset int) ([]*Project, error) {
	query := `
		SELECT id, name, repo_url, provider, region, milestone, status, failed_phase, sandbox_id, created_at, updated_at
		FROM projects
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*Project{}
	for rows.Next() {
		p := &Project{}
		err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.RepoURL,
			&p.Provider,
			&p.Region,
			&p.Milestone,
			&p.Status,
			&p.FailedPhase,
			&p.SandboxID,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// SetProjectSandbox records the project's active sandbox reference. A nil
// id clears it; FinishAction also clears it with the terminal transition.
func (s *SQLiteStore) SetProjectSandbox(ctx context.Context, projectID string, sandboxID *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET sandbox_id = ?, updated_at = ? WHERE id = ?
	`, sandboxID, time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("failed to set project sandbox: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}

	return nil
}

// CreateGeneration creates a new generation record
func (s *SQLiteStore) CreateGeneration(ctx context.Context, g *Generation) error {
	query := `
		INSERT INTO generations (id, project_id, version, dockerfile, terraform, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		g.ID,
		g.ProjectID,
		g.Version,
		g.Dockerfile,
		g.Terraform,
		g.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create generation: %w", err)
	}

	return nil
}

// GetGeneration retrieves a generation by ID
func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	query := `
		SELECT id, project_id, version, dockerfile, terraform, created_at
		FROM generations
		WHERE id = ?
	`

	g := &Generation{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&g.ID,
		&g.ProjectID,
		&g.Version,
		&g.Dockerfile,
		&g.Terraform,
		&g.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("generation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	return g, nil
}

// LatestGeneration retrieves the highest-versioned generation for a project
func (s *SQLiteStore) LatestGeneration(ctx context.Context, projectID string) (*Generation, error) {
	query := `
		SELECT id, project_id, version, dockerfile, terraform, created_at
		FROM generations
		WHERE project_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	g := &Generation{}
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(
		&g.ID,
		&g.ProjectID,
		&g.Version,
		&g.Dockerfile,
		&g.Terraform,
		&g.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("generation for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest generation: %w", err)
	}

	return g, nil
}

// GetAction retrieves a deployment action by ID
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*DeploymentAction, error) {
	return scanAction(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, generation_id, phase, status, exit_code, error, started_at, finished_at
		FROM deployment_actions
		WHERE id = ?
	`, id), id)
}

// LatestAction retrieves the most recently started action for a project
func (s *SQLiteStore) LatestAction(ctx context.Context, projectID string) (*DeploymentAction, error) {
	return scanAction(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, generation_id, phase, status, exit_code, error, started_at, finished_at
		FROM deployment_actions
		WHERE project_id = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, projectID), projectID)
}

func scanAction(row *sql.Row, id string) (*DeploymentAction, error) {
	a := &DeploymentAction{}
	err := row.Scan(
		&a.ID,
		&a.ProjectID,
		&a.GenerationID,
		&a.Phase,
		&a.Status,
		&a.ExitCode,
		&a.Error,
		&a.StartedAt,
		&a.FinishedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}

	return a, nil
}

// ClaimAction atomically acquires the right to start a deployment action.
// Inside a single immediate transaction it verifies that the project exists,
// that no other action is in progress, and that the project's milestone is
// one of the allowed prerequisites, then inserts the action and flips the
// project to running. A violation leaves no side effects.
func (s *SQLiteStore) ClaimAction(ctx context.Context, action *DeploymentAction, allowed []Milestone) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var milestone Milestone
	var status ProjectStatus
	err = tx.QueryRowContext(ctx,
		`SELECT milestone, status FROM projects WHERE id = ?`, action.ProjectID,
	).Scan(&milestone, &status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("project %s: %w", action.ProjectID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read project: %w", err)
	}

	var inProgress int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deployment_actions
		WHERE project_id = ? AND status IN ('pending', 'running', 'cancelling')
	`, action.ProjectID).Scan(&inProgress)
	if err != nil {
		return fmt.Errorf("failed to count in-progress actions: %w", err)
	}
	if inProgress > 0 {
		return fmt.Errorf("project %s: %w", action.ProjectID, ErrActionInProgress)
	}

	ok := false
	for _, m := range allowed {
		if milestone == m {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("phase %s from milestone %s: %w", action.Phase, milestone, ErrPhaseNotAllowed)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployment_actions (id, project_id, generation_id, phase, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		action.ID,
		action.ProjectID,
		action.GenerationID,
		action.Phase,
		action.Status,
		action.StartedAt,
	)
	if err != nil {
		// The partial unique index backs up the count check under races.
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("project %s: %w", action.ProjectID, ErrActionInProgress)
		}
		return fmt.Errorf("failed to insert action: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projects SET status = ?, failed_phase = NULL, updated_at = ? WHERE id = ?
	`, ProjectStatusRunning, time.Now().UTC(), action.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit claim: %w", err)
	}

	return nil
}

// MarkActionRunning moves a pending action to running
func (s *SQLiteStore) MarkActionRunning(ctx context.Context, id string) error {
	return s.updateActionStatus(ctx, id, ActionStatusRunning, ActionStatusPending)
}

// MarkActionCancelling moves an in-progress action to cancelling
func (s *SQLiteStore) MarkActionCancelling(ctx context.Context, id string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE deployment_actions SET status = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, ActionStatusCancelling, id)
	if err != nil {
		return fmt.Errorf("failed to mark action cancelling: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("in-progress action %s: %w", id, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projects SET status = ?, updated_at = ?
		WHERE id = (SELECT project_id FROM deployment_actions WHERE id = ?)
	`, ProjectStatusCancelling, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) updateActionStatus(ctx context.Context, id string, status, from ActionStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deployment_actions SET status = ? WHERE id = ? AND status = ?
	`, status, id, from)
	if err != nil {
		return fmt.Errorf("failed to update action status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("action %s in status %s: %w", id, from, ErrNotFound)
	}

	return nil
}

// FinishAction commits an action's terminal status together with the
// project transition in one transaction, so the project record can never
// disagree with its last action.
func (s *SQLiteStore) FinishAction(ctx context.Context, id string, status ActionStatus, exitCode *int, errMsg *string, transition ProjectTransition) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE deployment_actions
		SET status = ?, exit_code = ?, error = ?, finished_at = ?
		WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'cancelled')
	`, status, exitCode, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish action: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("in-progress action %s: %w", id, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projects SET milestone = ?, status = ?, failed_phase = ?, sandbox_id = NULL, updated_at = ?
		WHERE id = (SELECT project_id FROM deployment_actions WHERE id = ?)
	`, transition.Milestone, transition.Status, transition.FailedPhase, now, id)
	if err != nil {
		return fmt.Errorf("failed to apply project transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finish: %w", err)
	}

	return nil
}

// AppendLogLines appends a batch of log lines. The (action_id, seq)
// primary key rejects duplicate or conflicting sequence numbers.
func (s *SQLiteStore) AppendLogLines(ctx context.Context, lines []*LogLine) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO log_lines (action_id, seq, stream, ts, text)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, line := range lines {
		if _, err := stmt.ExecContext(ctx, line.ActionID, line.Seq, line.Stream, line.Timestamp, line.Text); err != nil {
			return fmt.Errorf("failed to append log line %d: %w", line.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log lines: %w", err)
	}

	return nil
}

// ListLogLines lists log lines for an action with sequence numbers greater
// than afterSeq, in ascending order
func (s *SQLiteStore) ListLogLines(ctx context.Context, actionID string, afterSeq int64, limit int) ([]*LogLine, error) {
	query := `
		SELECT action_id, seq, stream, ts, text
		FROM log_lines
		WHERE action_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, actionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list log lines: %w", err)
	}
	defer rows.Close()

	lines := []*LogLine{}
	for rows.Next() {
		line := &LogLine{}
		err := rows.Scan(
			&line.ActionID,
			&line.Seq,
			&line.Stream,
			&line.Timestamp,
			&line.Text,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log lines: %w", err)
	}

	return lines, nil
}

// LastLogSeq returns the highest sequence number written for an action,
// or zero when no lines exist
func (s *SQLiteStore) LastLogSeq(ctx context.Context, actionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM log_lines WHERE action_id = ?`, actionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get last log seq: %w", err)
	}

	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// UpsertCredential inserts or replaces an encrypted credential
func (s *SQLiteStore) UpsertCredential(ctx context.Context, c *Credential) error {
	query := `
		INSERT INTO credentials (id, project_id, provider, name, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, provider, name) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.ProjectID,
		c.Provider,
		c.Name,
		c.Ciphertext,
		c.CreatedAt,
		c.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}

	return nil
}

// ListCredentials lists credentials for a project and provider
func (s *SQLiteStore) ListCredentials(ctx context.Context, projectID, provider string) ([]*Credential, error) {
	query := `
		SELECT id, project_id, provider, name, ciphertext, created_at, updated_at
		FROM credentials
		WHERE project_id = ? AND provider = ?
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	creds := []*Credential{}
	for rows.Next() {
		c := &Credential{}
		err := rows.Scan(
			&c.ID,
			&c.ProjectID,
			&c.Provider,
			&c.Name,
			&c.Ciphertext,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return creds, nil
}

// DeleteCredential deletes a credential by ID
func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}

	return nil
}
