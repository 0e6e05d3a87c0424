package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetward/control-plane/internal/domain"
)

const nodeColumns = `id, tenant_id, name, display_name, platform, status, health_score, health_trend,
	last_heartbeat, hardware, capacity, tags, warnings, created_at`

// NodeRepo is the durable node repository, implementing internal/heartbeat's
// Repo contract.
type NodeRepo struct {
	pool *pgxpool.Pool
}

func NewNodeRepo(pool *pgxpool.Pool) *NodeRepo {
	return &NodeRepo{pool: pool}
}

func scanNode(row pgx.Row) (*domain.Node, error) {
	var n domain.Node
	var hardware, capacity, tags, warnings []byte
	err := row.Scan(
		&n.ID, &n.TenantID, &n.Name, &n.DisplayName, &n.Platform, &n.Status, &n.HealthScore, &n.HealthTrend,
		&n.LastHeartbeat, &hardware, &capacity, &tags, &warnings, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(hardware, &n.Hardware); err != nil {
		return nil, fmt.Errorf("unmarshal node hardware: %w", err)
	}
	if err := json.Unmarshal(capacity, &n.Capacity); err != nil {
		return nil, fmt.Errorf("unmarshal node capacity: %w", err)
	}
	if err := json.Unmarshal(tags, &n.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal node tags: %w", err)
	}
	if err := json.Unmarshal(warnings, &n.Warnings); err != nil {
		return nil, fmt.Errorf("unmarshal node warnings: %w", err)
	}
	return &n, nil
}

func (r *NodeRepo) GetNode(ctx context.Context, nodeID uuid.UUID) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	n, err := scanNode(r.pool.QueryRow(ctx, query, nodeID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("node %s: %w", nodeID, err)
		}
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return n, nil
}

func (r *NodeRepo) UpdateNode(ctx context.Context, node domain.Node) error {
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

	query := `UPDATE nodes SET
		name = $2, display_name = $3, platform = $4, status = $5, health_score = $6, health_trend = $7,
		last_heartbeat = $8, hardware = $9, capacity = $10, tags = $11, warnings = $12
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		node.ID, node.Name, node.DisplayName, node.Platform, node.Status, node.HealthScore, node.HealthTrend,
		node.LastHeartbeat, hardware, capacity, tags, warnings,
	)
	if err != nil {
		return fmt.Errorf("update node %s: %w", node.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update node %s: %w", node.ID, pgx.ErrNoRows)
	}
	return nil
}

// ListAllExcludingDecommissioned returns every non-decommissioned node
// across every tenant, for the staleness sweep in cmd/controlplane -- the
// only caller that legitimately needs a cross-tenant view.
func (r *NodeRepo) ListAllExcludingDecommissioned(ctx context.Context) ([]domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE status != $1`
	rows, err := r.pool.Query(ctx, query, domain.NodeDecommissioned)
	if err != nil {
		return nil, fmt.Errorf("list all nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return out, nil
}

// ListByTenant returns every node belonging to tenantID, newest first. Used
// by the nodes listing endpoint; filtering by status/platform/health/tags is
// applied by the caller over this result set for now, kept deliberately
// simple until query volume demands pushing filters into SQL.
func (r *NodeRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE tenant_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list nodes for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return out, nil
}
