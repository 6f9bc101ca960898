// Package repository contains Postgres adapters for the domain ports.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"querydeck/internal/db"
	"querydeck/internal/domain"
)

var _ domain.RunRepository = (*RunRepo)(nil)

// RunRepo stores run lifecycle state in Postgres. Every method executes on
// the ambient tenant transaction; calling it outside one is a programming
// error, and even then row-level security would yield zero rows.
type RunRepo struct{}

// NewRunRepo creates a new RunRepo.
func NewRunRepo() *RunRepo {
	return &RunRepo{}
}

func txFrom(ctx context.Context) (pgx.Tx, error) {
	scope, ok := db.ScopeFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no transaction scope on context")
	}
	return scope.Tx, nil
}

const runColumns = `id, tenant_id, mid, user_id, status, task_id, query_definition_id,
       query_customer_key, target_de_name, error_message, encrypted_sql, row_count,
       created_at, started_at, completed_at, last_polled_at`

// Create inserts a new run record.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	if run == nil {
		return nil, domain.ErrValidation("run is required")
	}
	if run.ID == "" {
		run.ID = domain.NewID()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}

	tx, err := txFrom(ctx)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, tenant_id, mid, user_id, status, encrypted_sql, target_de_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.TenantID, run.Mid, run.UserID, string(run.Status), run.EncryptedSQL, run.TargetDeName)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r.GetByID(ctx, run.ID)
}

// GetByID returns a run by id within the current tenant scope.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	tx, err := txFrom(ctx)
	if err != nil {
		return nil, err
	}
	return scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id), id)
}

// GetStatus returns only the current status of a run.
func (r *RunRepo) GetStatus(ctx context.Context, id string) (domain.RunStatus, error) {
	tx, err := txFrom(ctx)
	if err != nil {
		return "", err
	}
	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound("run %q not found", id)
		}
		return "", fmt.Errorf("get run status: %w", err)
	}
	return domain.RunStatus(status), nil
}

// MarkRunning records a successful submission: remote identifiers and the
// running status. Terminal runs are never touched.
func (r *RunRepo) MarkRunning(ctx context.Context, id, taskID, queryDefinitionID, queryCustomerKey, targetDeName string) error {
	tx, err := txFrom(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE runs
		SET status = $2, task_id = $3, query_definition_id = $4, query_customer_key = $5,
		    target_de_name = $6, started_at = now()
		WHERE id = $1 AND status NOT IN ('ready', 'failed', 'canceled')
	`, id, string(domain.RunStatusRunning), taskID, queryDefinitionID, queryCustomerKey, targetDeName)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("run %q not found or already terminal", id)
	}
	return nil
}

// MarkReady finalizes a run as ready with its row count.
func (r *RunRepo) MarkReady(ctx context.Context, id string, rowCount int) error {
	tx, err := txFrom(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE runs
		SET status = $2, row_count = $3, error_message = NULL, completed_at = now()
		WHERE id = $1 AND status NOT IN ('ready', 'failed', 'canceled')
	`, id, string(domain.RunStatusReady), rowCount)
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("run %q not found or already terminal", id)
	}
	return nil
}

// MarkFailed finalizes a run as failed with an error message.
func (r *RunRepo) MarkFailed(ctx context.Context, id, message string) error {
	tx, err := txFrom(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE runs
		SET status = $2, error_message = $3, completed_at = now()
		WHERE id = $1 AND status NOT IN ('ready', 'failed', 'canceled')
	`, id, string(domain.RunStatusFailed), message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("run %q not found or already terminal", id)
	}
	return nil
}

// TouchPolled refreshes a running run's poll heartbeat. Zero rows affected
// is not an error: the run may already be terminal, and the poll evaluation
// decides what that means.
func (r *RunRepo) TouchPolled(ctx context.Context, id string) error {
	tx, err := txFrom(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE runs SET last_polled_at = now()
		WHERE id = $1 AND status = $2
	`, id, string(domain.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("touch polled: %w", err)
	}
	return nil
}

// ListStaleRunning returns runs still marked running whose poll heartbeat
// is older than the threshold. A live poll chain refreshes the heartbeat on
// every attempt, so anything listed here has genuinely lost its chain. Used
// by the orphan sweeper under its service scope, which is the only context
// allowed to read across tenants.
func (r *RunRepo) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]domain.Run, error) {
	tx, err := txFrom(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status = $1 AND COALESCE(last_polled_at, started_at, created_at) < $2
		ORDER BY started_at
	`, string(domain.RunStatusRunning), olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		run, err := scanRunFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row, id string) (*domain.Run, error) {
	run, err := scanRunFrom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound("run %q not found", id)
		}
		return nil, err
	}
	return run, nil
}

func scanRunFrom(row pgx.Row) (*domain.Run, error) {
	var (
		run    domain.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.TenantID,
		&run.Mid,
		&run.UserID,
		&status,
		&run.TaskID,
		&run.QueryDefinitionID,
		&run.QueryCustomerKey,
		&run.TargetDeName,
		&run.ErrorMessage,
		&run.EncryptedSQL,
		&run.RowCount,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
		&run.LastPolledAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	return &run, nil
}
