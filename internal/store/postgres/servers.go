package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerRepo resolves a hosted game-server instance's owning tenant and
// node, implementing internal/consolehub's ServerLookup contract.
type ServerRepo struct {
	pool *pgxpool.Pool
}

func NewServerRepo(pool *pgxpool.Pool) *ServerRepo {
	return &ServerRepo{pool: pool}
}

func (r *ServerRepo) ServerInfo(ctx context.Context, serverID string) (tenantID, nodeID string, err error) {
	query := `SELECT tenant_id, node_id FROM servers WHERE id = $1`
	if err := r.pool.QueryRow(ctx, query, serverID).Scan(&tenantID, &nodeID); err != nil {
		return "", "", fmt.Errorf("resolve server %s: %w", serverID, err)
	}
	return tenantID, nodeID, nil
}

// Register upserts the tenant/node ownership record for a hosted
// game-server instance. Nothing outside this package's tests calls it.
func (r *ServerRepo) Register(ctx context.Context, serverID, tenantID, nodeID string) error {
	query := `INSERT INTO servers (id, tenant_id, node_id) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, node_id = EXCLUDED.node_id`
	if _, err := r.pool.Exec(ctx, query, serverID, tenantID, nodeID); err != nil {
		return fmt.Errorf("register server %s: %w", serverID, err)
	}
	return nil
}
