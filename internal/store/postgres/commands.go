package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetward/control-plane/internal/domain"
)

// auditWriter is the narrow dependency CommandRepo needs to satisfy the
// audit half of internal/command's Repo contract -- satisfied by
// internal/audit.Writer.
type auditWriter interface {
	WriteAudit(ctx context.Context, rec domain.AuditRecord) error
}

// CommandRepo is the durable command-result repository, implementing
// internal/command's Repo contract. Audit writes are delegated to the
// injected auditWriter rather than done inline, since audit records are
// written asynchronously in bulk while command results are written
// synchronously per dispatch.
type CommandRepo struct {
	pool  *pgxpool.Pool
	audit auditWriter
}

func NewCommandRepo(pool *pgxpool.Pool, audit auditWriter) *CommandRepo {
	return &CommandRepo{pool: pool, audit: audit}
}

func (r *CommandRepo) RecentResult(ctx context.Context, commandID string, within time.Duration) (*domain.CommandResult, bool, error) {
	query := `SELECT command_id, node_id, status, started_at, completed_at, error_code, error_message, correlation_id
		FROM command_results WHERE command_id = $1 AND completed_at > $2`
	var res domain.CommandResult
	err := r.pool.QueryRow(ctx, query, commandID, time.Now().Add(-within)).Scan(
		&res.CommandID, &res.NodeID, &res.Status, &res.StartedAt, &res.CompletedAt,
		&res.ErrorCode, &res.ErrorMessage, &res.CorrelationID,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("recent result for command %s: %w", commandID, err)
	}
	return &res, true, nil
}

func (r *CommandRepo) SaveResult(ctx context.Context, result domain.CommandResult) error {
	query := `INSERT INTO command_results (command_id, node_id, status, started_at, completed_at, error_code, error_message, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (command_id) DO UPDATE SET
			status = EXCLUDED.status, completed_at = EXCLUDED.completed_at,
			error_code = EXCLUDED.error_code, error_message = EXCLUDED.error_message`
	_, err := r.pool.Exec(ctx, query,
		result.CommandID, result.NodeID, result.Status, result.StartedAt, result.CompletedAt,
		result.ErrorCode, result.ErrorMessage, result.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("save command result %s: %w", result.CommandID, err)
	}
	return nil
}

func (r *CommandRepo) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	return r.audit.WriteAudit(ctx, rec)
}
