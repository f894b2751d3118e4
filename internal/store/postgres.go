package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/flowgate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockNotAvailable is returned by NOWAIT when the row is already locked.
const pgLockNotAvailable = "55P03"

// migrationLockID serializes concurrent migrations from several processes.
const migrationLockID = 7311204412

// Postgres is the multi-worker Store backend.
//
// A claim is an open transaction holding FOR NO KEY UPDATE on the workflow
// row. NO KEY UPDATE still lets ledger inserts from other connections take
// their FOR KEY SHARE foreign-key lock on the same row.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn and runs migrations.
func NewPostgres(ctx context.Context, dsn string, maxConns int32, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s, err := NewPostgresFromPool(ctx, pool, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresFromPool wraps an existing pool and runs migrations.
func NewPostgresFromPool(ctx context.Context, pool *pgxpool.Pool, opts Options) (*Postgres, error) {
	opts = opts.withDefaults()
	s := &Postgres{
		pool: pool,
		// timestamptz has microsecond precision
		now: func() time.Time { return opts.Now().Truncate(time.Microsecond) },
	}
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection is alive.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL NOT NULL,
		request_text TEXT NOT NULL,
		state TEXT NOT NULL,
		ai_output JSONB,
		human_decision JSONB,
		action_status TEXT,
		action_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_events (
		id BIGSERIAL PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows(id),
		event_type TEXT NOT NULL,
		event_data JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows (state, updated_at, created_at);
	CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow ON workflow_events (workflow_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_workflow_events_type ON workflow_events (workflow_id, event_type);

	CREATE OR REPLACE FUNCTION workflow_events_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'workflow_events is append-only';
	END;
	$$ LANGUAGE plpgsql;

	CREATE OR REPLACE TRIGGER workflow_events_append_only
		BEFORE UPDATE OR DELETE ON workflow_events
		FOR EACH ROW EXECUTE FUNCTION workflow_events_append_only();
	`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	if _, err := tx.Exec(ctx, schema); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const pgWorkflowColumns = `id, request_text, state, ai_output, human_decision, action_status, action_attempts, created_at, updated_at`

func scanPgWorkflow(row pgx.Row) (*models.Workflow, error) {
	var (
		wf                 models.Workflow
		aiOutput, decision []byte
		status             *string
	)
	if err := row.Scan(&wf.ID, &wf.RequestText, &wf.State, &aiOutput, &decision, &status, &wf.ActionAttempts, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if status != nil {
		wf.ActionStatus = models.ActionStatus(*status)
	}
	wf.CreatedAt = wf.CreatedAt.UTC()
	wf.UpdatedAt = wf.UpdatedAt.UTC()
	if err := decodeWorkflowJSON(&wf, aiOutput, decision); err != nil {
		return nil, err
	}
	return &wf, nil
}

// --- Workflow Operations ---

// CreateWorkflow inserts a new workflow and advances it to AI_ANALYZED.
func (s *Postgres) CreateWorkflow(ctx context.Context, requestText string) (*models.Workflow, error) {
	now := s.now()
	wf, events, err := newWorkflow(uuid.New().String(), requestText, now)
	if err != nil {
		return nil, err
	}
	aiOutput, decision, err := encodeWorkflowJSON(wf)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO workflows (id, request_text, state, ai_output, human_decision, action_status, action_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		wf.ID, wf.RequestText, string(wf.State), nullIfNoBytes(aiOutput), nullIfNoBytes(decision),
		nullIfEmpty(string(wf.ActionStatus)), wf.ActionAttempts, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	if err := insertPgEvents(ctx, tx, wf.ID, events, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := scanPgWorkflow(s.pool.QueryRow(ctx, `SELECT `+pgWorkflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows newest first, optionally filtered by state.
func (s *Postgres) ListWorkflows(ctx context.Context, state models.State) ([]models.Workflow, error) {
	query := `SELECT ` + pgWorkflowColumns + ` FROM workflows`
	var args []any
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	workflows := []models.Workflow{}
	for rows.Next() {
		wf, err := scanPgWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// --- Claims ---

// ClaimNext locks the oldest matching workflow, skipping rows other
// transactions already hold.
func (s *Postgres) ClaimNext(ctx context.Context, p Predicate, holder string) (Claim, error) {
	query := `SELECT ` + pgWorkflowColumns + ` FROM workflows WHERE state = $1`
	args := []any{string(p.State)}
	if len(p.ActionStatuses) > 0 {
		statuses := make([]string, len(p.ActionStatuses))
		for i, st := range p.ActionStatuses {
			statuses[i] = string(st)
		}
		query += ` AND action_status = ANY($2)`
		args = append(args, statuses)
	}
	query += ` ORDER BY updated_at, created_at, seq LIMIT 1 FOR NO KEY UPDATE SKIP LOCKED`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	wf, err := scanPgWorkflow(tx.QueryRow(ctx, query, args...))
	if err != nil {
		tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim workflow: %w", err)
	}
	return &pgClaim{s: s, tx: tx, wf: wf, holder: holder}, nil
}

// ClaimByID locks one workflow, failing fast if another transaction holds it.
func (s *Postgres) ClaimByID(ctx context.Context, id, holder string) (Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	wf, err := scanPgWorkflow(tx.QueryRow(ctx,
		`SELECT `+pgWorkflowColumns+` FROM workflows WHERE id = $1 FOR NO KEY UPDATE NOWAIT`, id))
	if err != nil {
		tx.Rollback(ctx)
		var pgErr *pgconn.PgError
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, ErrNotFound
		case errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable:
			return nil, ErrWorkflowBusy
		}
		return nil, fmt.Errorf("claim workflow: %w", err)
	}
	return &pgClaim{s: s, tx: tx, wf: wf, holder: holder}, nil
}

type pgClaim struct {
	s      *Postgres
	tx     pgx.Tx
	wf     *models.Workflow
	holder string
	closed bool
}

func (c *pgClaim) Workflow() *models.Workflow { return c.wf }

// Apply writes the change inside the claim's transaction. Nothing is
// visible to other readers until Commit.
func (c *pgClaim) Apply(ctx context.Context, ch Change) error {
	if c.closed {
		return ErrClaimClosed
	}
	now := c.s.now()
	next, events, err := planChange(c.wf, ch, now)
	if err != nil {
		return err
	}
	aiOutput, decision, err := encodeWorkflowJSON(next)
	if err != nil {
		return err
	}

	tag, err := c.tx.Exec(ctx,
		`UPDATE workflows
		 SET state = $1, ai_output = $2, human_decision = $3, action_status = $4, action_attempts = $5, updated_at = $6
		 WHERE id = $7 AND state = $8`,
		string(next.State), nullIfNoBytes(aiOutput), nullIfNoBytes(decision), nullIfEmpty(string(next.ActionStatus)),
		next.ActionAttempts, next.UpdatedAt, c.wf.ID, string(c.wf.State),
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	if err := insertPgEvents(ctx, c.tx, c.wf.ID, events, now); err != nil {
		return err
	}
	c.wf = next
	return nil
}

// Lease is zero: the row lock lives as long as the transaction.
func (c *pgClaim) Lease() time.Duration { return 0 }

func (c *pgClaim) Extend(ctx context.Context) error {
	if c.closed {
		return ErrClaimClosed
	}
	return nil
}

func (c *pgClaim) Commit(ctx context.Context) error {
	if c.closed {
		return ErrClaimClosed
	}
	c.closed = true
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

func (c *pgClaim) Release(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// --- Ledger ---

// Append records one event in its own transaction.
func (s *Postgres) Append(ctx context.Context, workflowID string, eventType models.EventType, data any) (*models.Event, error) {
	ev, err := newPendingEvent(eventType, data)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO workflow_events (workflow_id, event_type, event_data, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		workflowID, string(ev.Type), nullIfNoBytes(ev.Data), now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &models.Event{ID: id, WorkflowID: workflowID, Type: ev.Type, Data: ev.Data, CreatedAt: now}, nil
}

// Exists reports whether the workflow has an event of the given type.
func (s *Postgres) Exists(ctx context.Context, workflowID string, eventType models.EventType) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM workflow_events WHERE workflow_id = $1 AND event_type = $2)`,
		workflowID, string(eventType),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query event: %w", err)
	}
	return exists, nil
}

// Events returns the workflow's events, oldest first.
func (s *Postgres) Events(ctx context.Context, workflowID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow_id, event_type, event_data, created_at FROM workflow_events
		 WHERE workflow_id = $1 ORDER BY created_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var (
			ev   models.Event
			data []byte
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Data = data
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertPgEvents(ctx context.Context, tx pgx.Tx, workflowID string, events []pendingEvent, now time.Time) error {
	for _, ev := range events {
		_, err := tx.Exec(ctx,
			`INSERT INTO workflow_events (workflow_id, event_type, event_data, created_at) VALUES ($1, $2, $3, $4)`,
			workflowID, string(ev.Type), nullIfNoBytes(ev.Data), now,
		)
		if err != nil {
			return fmt.Errorf("insert %s event: %w", ev.Type, err)
		}
	}
	return nil
}
