package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/flowgate/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is the single-node Store backend.
//
// SQLite has one writer, so a claim cannot hold a transaction open while a
// worker calls a slow collaborator. Claims are leases instead: ClaimNext
// stamps claimed_by and claim_expires_at in one UPDATE, and every write made
// through the claim is guarded by claimed_by.
type SQLite struct {
	db       *sql.DB
	now      func() time.Time
	claimTTL time.Duration
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at dbPath and runs migrations.
func NewSQLite(dbPath string, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, now: opts.Now, claimTTL: opts.ClaimTTL}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations. Timestamps are unix nanoseconds.
func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		request_text TEXT NOT NULL,
		state TEXT NOT NULL,
		ai_output TEXT,
		human_decision TEXT,
		action_status TEXT,
		action_attempts INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT,
		claim_expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL REFERENCES workflows(id),
		event_type TEXT NOT NULL,
		event_data TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows(state, updated_at);
	CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow ON workflow_events(workflow_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_workflow_events_type ON workflow_events(workflow_id, event_type);

	CREATE TRIGGER IF NOT EXISTS workflow_events_no_update BEFORE UPDATE ON workflow_events
	BEGIN
		SELECT RAISE(ABORT, 'workflow_events is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS workflow_events_no_delete BEFORE DELETE ON workflow_events
	BEGIN
		SELECT RAISE(ABORT, 'workflow_events is append-only');
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

const sqliteWorkflowColumns = `id, request_text, state, ai_output, human_decision, action_status, action_attempts, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		wf                 models.Workflow
		aiOutput, decision sql.NullString
		status             sql.NullString
		created, updated   int64
	)
	if err := row.Scan(&wf.ID, &wf.RequestText, &wf.State, &aiOutput, &decision, &status, &wf.ActionAttempts, &created, &updated); err != nil {
		return nil, err
	}
	wf.ActionStatus = models.ActionStatus(status.String)
	wf.CreatedAt = fromNanos(created)
	wf.UpdatedAt = fromNanos(updated)
	if err := decodeWorkflowJSON(&wf, []byte(aiOutput.String), []byte(decision.String)); err != nil {
		return nil, err
	}
	return &wf, nil
}

// nullText stores JSON as TEXT, or NULL when empty.
func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// --- Workflow Operations ---

// CreateWorkflow inserts a new workflow and advances it to AI_ANALYZED.
func (s *SQLite) CreateWorkflow(ctx context.Context, requestText string) (*models.Workflow, error) {
	now := s.now()
	wf, events, err := newWorkflow(uuid.New().String(), requestText, now)
	if err != nil {
		return nil, err
	}
	aiOutput, decision, err := encodeWorkflowJSON(wf)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, request_text, state, ai_output, human_decision, action_status, action_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.RequestText, wf.State, nullText(aiOutput), nullText(decision),
		nullIfEmpty(string(wf.ActionStatus)), wf.ActionAttempts, toNanos(wf.CreatedAt), toNanos(wf.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	if err := s.insertEvents(ctx, tx, wf.ID, events, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLite) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteWorkflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanSQLiteWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows newest first, optionally filtered by state.
func (s *SQLite) ListWorkflows(ctx context.Context, state models.State) ([]models.Workflow, error) {
	query := `SELECT ` + sqliteWorkflowColumns + ` FROM workflows`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	workflows := []models.Workflow{}
	for rows.Next() {
		wf, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// --- Claims ---

// ClaimNext leases the oldest unclaimed workflow matching p.
func (s *SQLite) ClaimNext(ctx context.Context, p Predicate, holder string) (Claim, error) {
	now := s.now()
	args := []any{holder, toNanos(now.Add(s.claimTTL)), p.State}

	var statusClause string
	if len(p.ActionStatuses) > 0 {
		marks := make([]string, len(p.ActionStatuses))
		for i, st := range p.ActionStatuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		statusClause = ` AND action_status IN (` + strings.Join(marks, ", ") + `)`
	}
	args = append(args, toNanos(now))

	query := `UPDATE workflows SET claimed_by = ?, claim_expires_at = ?
		WHERE id = (
			SELECT id FROM workflows
			WHERE state = ?` + statusClause + `
			  AND (claimed_by IS NULL OR claim_expires_at < ?)
			ORDER BY updated_at, created_at, rowid
			LIMIT 1
		)
		RETURNING ` + sqliteWorkflowColumns

	wf, err := scanSQLiteWorkflow(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim workflow: %w", err)
	}
	return &sqliteClaim{s: s, wf: wf, holder: holder}, nil
}

// ClaimByID leases one workflow without waiting.
func (s *SQLite) ClaimByID(ctx context.Context, id, holder string) (Claim, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx,
		`UPDATE workflows SET claimed_by = ?, claim_expires_at = ?
		 WHERE id = ? AND (claimed_by IS NULL OR claim_expires_at < ?)
		 RETURNING `+sqliteWorkflowColumns,
		holder, toNanos(now.Add(s.claimTTL)), id, toNanos(now),
	)
	wf, err := scanSQLiteWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workflows WHERE id = ?)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check workflow: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrWorkflowBusy
	}
	if err != nil {
		return nil, fmt.Errorf("claim workflow: %w", err)
	}
	return &sqliteClaim{s: s, wf: wf, holder: holder}, nil
}

type sqliteClaim struct {
	s      *SQLite
	wf     *models.Workflow
	holder string
	closed bool
}

func (c *sqliteClaim) Workflow() *models.Workflow { return c.wf }

// Apply writes the change and its events in one transaction. The update is
// guarded on both the current state and the lease holder, and renews the lease.
func (c *sqliteClaim) Apply(ctx context.Context, ch Change) error {
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

	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows
		 SET state = ?, ai_output = ?, human_decision = ?, action_status = ?, action_attempts = ?,
		     updated_at = ?, claim_expires_at = ?
		 WHERE id = ? AND state = ? AND claimed_by = ?`,
		next.State, nullText(aiOutput), nullText(decision), nullIfEmpty(string(next.ActionStatus)),
		next.ActionAttempts, toNanos(next.UpdatedAt), toNanos(now.Add(c.s.claimTTL)),
		c.wf.ID, c.wf.State, c.holder,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrClaimLost
	}

	if err := c.s.insertEvents(ctx, tx, c.wf.ID, events, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.wf = next
	return nil
}

func (c *sqliteClaim) Lease() time.Duration { return c.s.claimTTL }

// Extend pushes claim_expires_at forward while the lease is still ours.
// An expired lease nobody else took is still ours.
func (c *sqliteClaim) Extend(ctx context.Context) error {
	if c.closed {
		return ErrClaimClosed
	}
	res, err := c.s.db.ExecContext(ctx,
		`UPDATE workflows SET claim_expires_at = ? WHERE id = ? AND claimed_by = ?`,
		toNanos(c.s.now().Add(c.s.claimTTL)), c.wf.ID, c.holder,
	)
	if err != nil {
		return fmt.Errorf("extend claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrClaimLost
	}
	return nil
}

func (c *sqliteClaim) Commit(ctx context.Context) error {
	return c.clear(ctx)
}

func (c *sqliteClaim) Release(ctx context.Context) error {
	return c.clear(ctx)
}

// clear drops the lease. Applied changes are already durable.
func (c *sqliteClaim) clear(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	_, err := c.s.db.ExecContext(ctx,
		`UPDATE workflows SET claimed_by = NULL, claim_expires_at = NULL WHERE id = ? AND claimed_by = ?`,
		c.wf.ID, c.holder,
	)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// --- Ledger ---

// Append records one event outside any claim.
func (s *SQLite) Append(ctx context.Context, workflowID string, eventType models.EventType, data any) (*models.Event, error) {
	ev, err := newPendingEvent(eventType, data)
	if err != nil {
		return nil, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_events (workflow_id, event_type, event_data, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, ev.Type, nullText(ev.Data), toNanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}
	return &models.Event{ID: id, WorkflowID: workflowID, Type: ev.Type, Data: ev.Data, CreatedAt: now}, nil
}

// Exists reports whether the workflow has an event of the given type.
func (s *SQLite) Exists(ctx context.Context, workflowID string, eventType models.EventType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM workflow_events WHERE workflow_id = ? AND event_type = ?)`,
		workflowID, eventType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query event: %w", err)
	}
	return exists, nil
}

// Events returns the workflow's events, oldest first.
func (s *SQLite) Events(ctx context.Context, workflowID string) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, event_type, event_data, created_at FROM workflow_events
		 WHERE workflow_id = ? ORDER BY created_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var (
			ev      models.Event
			data    sql.NullString
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Type, &data, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data.Valid {
			ev.Data = []byte(data.String)
		}
		ev.CreatedAt = fromNanos(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) insertEvents(ctx context.Context, tx *sql.Tx, workflowID string, events []pendingEvent, now time.Time) error {
	for _, ev := range events {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_events (workflow_id, event_type, event_data, created_at) VALUES (?, ?, ?, ?)`,
			workflowID, ev.Type, nullText(ev.Data), toNanos(now),
		)
		if err != nil {
			return fmt.Errorf("insert %s event: %w", ev.Type, err)
		}
	}
	return nil
}
