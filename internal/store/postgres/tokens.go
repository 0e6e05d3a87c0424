package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetward/control-plane/internal/domain"
)

// TokenRepo is the durable enrollment-token and node-creation repository,
// implementing internal/enrollment's Repo contract.
type TokenRepo struct {
	pool *pgxpool.Pool
}

func NewTokenRepo(pool *pgxpool.Pool) *TokenRepo {
	return &TokenRepo{pool: pool}
}

func (r *TokenRepo) LookupToken(ctx context.Context, tokenID string) (*domain.EnrollmentToken, error) {
	query := `SELECT id, tenant_id, label, secret_hash, expires_at, consumed_at, consumer_node_id
		FROM enrollment_tokens WHERE id = $1`
	var t domain.EnrollmentToken
	var consumedAt *time.Time
	var consumerNodeID *string
	err := r.pool.QueryRow(ctx, query, tokenID).Scan(
		&t.ID, &t.TenantID, &t.Label, &t.SecretHash, &t.ExpiresAt, &consumedAt, &consumerNodeID,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup token %s: %w", tokenID, err)
	}
	if consumedAt != nil {
		t.ConsumedAt = *consumedAt
	}
	if consumerNodeID != nil {
		t.ConsumerNodeID = *consumerNodeID
	}
	return &t, nil
}

func (r *TokenRepo) NodeNameExists(ctx context.Context, tenantID, name string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM nodes WHERE tenant_id = $1 AND name = $2)`
	if err := r.pool.QueryRow(ctx, query, tenantID, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check node name %s: %w", name, err)
	}
	return exists, nil
}

// ConsumeTokenAndCreateNode marks tokenID consumed and inserts node inside a
// single transaction, so a crash between the two writes can never leave a
// consumed token without its node or an orphaned node without its token
// marked used.
func (r *TokenRepo) ConsumeTokenAndCreateNode(ctx context.Context, tokenID string, node domain.Node) error {
	hardware, err := json.Marshal(node.Hardware)
	if err != nil {
		return fmt.Errorf("marshal node hardware: %w", err)
	}
	capacity, err := json.Marshal(node.Capacity)
	if err != nil {
		return fmt.Errorf("marshal node capacity: %w", err)
	}
	tags, err := json.Marshal(node.Tags)
	if err != nil {
		return fmt.Errorf("marshal node tags: %w", err)
	}
	warnings, err := json.Marshal(node.Warnings)
	if err != nil {
		return fmt.Errorf("marshal node warnings: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enrollment transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE enrollment_tokens SET consumed_at = now(), consumer_node_id = $2
			WHERE id = $1 AND consumed_at IS NULL`,
		tokenID, node.ID,
	)
	if err != nil {
		return fmt.Errorf("consume token %s: %w", tokenID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("consume token %s: %w", tokenID, pgx.ErrNoRows)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO nodes (id, tenant_id, name, display_name, platform, status, health_score, health_trend,
			hardware, capacity, tags, warnings, created_at)
			VALUES ($1, $2, $3, '', $4, $5, 0, 'Flat', $6, $7, $8, $9, $10)`,
		node.ID, node.TenantID, node.Name, node.Platform, node.Status,
		hardware, capacity, tags, warnings, node.CreatedAt,
	); err != nil {
		return fmt.Errorf("create node %s: %w", node.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enrollment transaction: %w", err)
	}
	return nil
}

// RollbackEnrollment undoes a token consumption and node creation when
// certificate issuance fails after ConsumeTokenAndCreateNode has committed.
func (r *TokenRepo) RollbackEnrollment(ctx context.Context, tokenID, nodeID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rollback transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, nodeID); err != nil {
		return fmt.Errorf("rollback node %s: %w", nodeID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE enrollment_tokens SET consumed_at = NULL, consumer_node_id = NULL WHERE id = $1`,
		tokenID,
	); err != nil {
		return fmt.Errorf("rollback token %s: %w", tokenID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rollback transaction: %w", err)
	}
	return nil
}
