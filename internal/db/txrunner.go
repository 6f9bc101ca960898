package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"querydeck/internal/domain"
)

var _ domain.TxRunner = (*Runner)(nil)

// Scope binds an open tenant transaction to a context so nested calls can
// reuse it instead of opening their own.
type Scope struct {
	Tx      pgx.Tx
	Tenant  domain.TenantScope
	Service string
}

// matches reports whether a nested request for the given scope may join
// this one. Tenant, business unit, and service identity must agree; a user
// identity may be requested only if this scope already carries it.
func (s *Scope) matches(requested Scope) error {
	if s.Service != requested.Service {
		return fmt.Errorf("scope mismatch: open transaction is for service %q, requested %q",
			s.Service, requested.Service)
	}
	if s.Tenant.TenantID != requested.Tenant.TenantID || s.Tenant.Mid != requested.Tenant.Mid {
		return fmt.Errorf("scope mismatch: open transaction is for tenant %q mid %q, requested tenant %q mid %q",
			s.Tenant.TenantID, s.Tenant.Mid, requested.Tenant.TenantID, requested.Tenant.Mid)
	}
	if requested.Tenant.UserID != "" && s.Tenant.UserID != requested.Tenant.UserID {
		return fmt.Errorf("scope mismatch: open transaction is for user %q, requested %q",
			s.Tenant.UserID, requested.Tenant.UserID)
	}
	return nil
}

type txScopeKey struct{}

func withScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, txScopeKey{}, s)
}

// ScopeFromContext extracts the active transaction scope from the context.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(txScopeKey{}).(*Scope)
	return s, ok
}

// pooledConn is the slice of *pgxpool.Conn the runner needs.
type pooledConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
	Hijack() *pgx.Conn
}

// Runner executes units of work inside tenant-scoped transactions. Every
// transaction sets transaction-local session variables identifying tenant
// and business unit before user code runs, which is what the row-level
// security policies key on.
type Runner struct {
	acquire func(ctx context.Context) (pooledConn, error)
	logger  *slog.Logger
	fatal   func(err error)
}

// NewRunner creates a Runner over a pgx pool. With failClosed set (the
// production configuration), a rollback failure closes the pool and
// terminates the process: an indeterminate connection must never carry a
// later caller's queries.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger, failClosed bool) *Runner {
	r := &Runner{
		acquire: func(ctx context.Context) (pooledConn, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		logger: logger,
	}
	r.fatal = func(err error) {
		logger.Error("rollback failed, transactional state indeterminate", "error", err)
		if failClosed {
			pool.Close()
			os.Exit(1)
		}
	}
	return r
}

// SetFatalHandler overrides the rollback-failure handler. Tests use this to
// observe the fail-closed path without exiting the process.
func (r *Runner) SetFatalHandler(fn func(err error)) {
	r.fatal = fn
}

// RunInTenantScope runs fn inside a transaction scoped to one tenant and
// business unit. If the context already carries a scope, fn joins it.
func (r *Runner) RunInTenantScope(ctx context.Context, tenantID, mid string, fn func(ctx context.Context) error) error {
	return r.run(ctx, Scope{Tenant: domain.TenantScope{TenantID: tenantID, Mid: mid}}, fn)
}

// RunInUserScope is RunInTenantScope with an additional user identity for
// policies that restrict to the submitting user.
func (r *Runner) RunInUserScope(ctx context.Context, tenantID, mid, userID string, fn func(ctx context.Context) error) error {
	return r.run(ctx, Scope{Tenant: domain.TenantScope{TenantID: tenantID, Mid: mid, UserID: userID}}, fn)
}

// RunInServiceScope runs fn with a service marker instead of a tenant
// identity. Only the sweeper's cross-tenant read policy matches it.
func (r *Runner) RunInServiceScope(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	return r.run(ctx, Scope{Service: service}, fn)
}

func (r *Runner) run(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	if existing, ok := ScopeFromContext(ctx); ok {
		// Ambient scope reuse: nested calls join the open transaction,
		// but only under the same identity. Joining a transaction whose
		// session variables belong to someone else would run fn against
		// the wrong tenant's rows.
		if err := existing.matches(scope); err != nil {
			return err
		}
		return fn(ctx)
	}

	conn, err := r.acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return fmt.Errorf("begin transaction: %w", err)
	}
	scope.Tx = tx
	scoped := withScope(ctx, &scope)

	err = setSessionContext(scoped, tx, scope)
	if err == nil {
		err = fn(scoped)
	}

	if err == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("commit: %w", commitErr)
		}
		r.releaseClean(ctx, conn)
		return err
	}

	if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
		// The connection's transactional state is indeterminate. Hijack it
		// so it can never be returned to the pool, then fail closed.
		conn.Hijack()
		r.fatal(rbErr)
		return fmt.Errorf("rollback failed (%v) while handling: %w", rbErr, err)
	}
	r.releaseClean(ctx, conn)
	return err
}

// releaseClean clears the session-scoped user marker before handing the
// connection back. The marker is session-level, not transactional, so
// commit and rollback leave it in place.
func (r *Runner) releaseClean(ctx context.Context, conn pooledConn) {
	if _, err := conn.Exec(ctx, `SELECT set_config('app.user_session', '', false)`); err != nil {
		r.logger.Warn("clear session user marker", "error", err)
	}
	conn.Release()
}

func setSessionContext(ctx context.Context, tx pgx.Tx, scope Scope) error {
	if scope.Service != "" {
		if _, err := tx.Exec(ctx, `SELECT set_config('app.service', $1, true)`, scope.Service); err != nil {
			return fmt.Errorf("set service context: %w", err)
		}
		return nil
	}
	if _, err := tx.Exec(ctx,
		`SELECT set_config('app.tenant_id', $1, true), set_config('app.mid', $2, true)`,
		scope.Tenant.TenantID, scope.Tenant.Mid,
	); err != nil {
		return fmt.Errorf("set tenant context: %w", err)
	}
	if scope.Tenant.UserID != "" {
		if _, err := tx.Exec(ctx,
			`SELECT set_config('app.user_id', $1, true), set_config('app.user_session', $2, false)`,
			scope.Tenant.UserID, scope.Tenant.UserID,
		); err != nil {
			return fmt.Errorf("set user context: %w", err)
		}
	}
	return nil
}
