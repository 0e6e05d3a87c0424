package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetward/control-plane/internal/domain"
)

const leafCertColumns = `id, node_id, thumbprint_hex, serial_hex, not_before, not_after, revoked, revoked_at, revocation_reason`

// CertRepo is the durable leaf-certificate repository, implementing
// internal/pki's Repo contract.
type CertRepo struct {
	pool *pgxpool.Pool
}

func NewCertRepo(pool *pgxpool.Pool) *CertRepo {
	return &CertRepo{pool: pool}
}

func scanLeafCert(row pgx.Row) (*domain.LeafCertificate, error) {
	var c domain.LeafCertificate
	var revokedAt *time.Time
	var revocationReason *string
	err := row.Scan(
		&c.ID, &c.NodeID, &c.ThumbprintHex, &c.SerialHex, &c.NotBefore, &c.NotAfter,
		&c.Revoked, &revokedAt, &revocationReason,
	)
	if err != nil {
		return nil, err
	}
	if revokedAt != nil {
		c.RevokedAt = *revokedAt
	}
	if revocationReason != nil {
		c.RevocationReason = *revocationReason
	}
	return &c, nil
}

// CurrentLeaf returns nodeID's current non-revoked certificate, if any.
func (r *CertRepo) CurrentLeaf(ctx context.Context, nodeID uuid.UUID) (*domain.LeafCertificate, error) {
	query := `SELECT ` + leafCertColumns + ` FROM leaf_certificates
		WHERE node_id = $1 AND revoked = false ORDER BY not_before DESC LIMIT 1`
	cert, err := scanLeafCert(r.pool.QueryRow(ctx, query, nodeID))
	if err != nil {
		return nil, fmt.Errorf("current leaf for node %s: %w", nodeID, err)
	}
	return cert, nil
}

func (r *CertRepo) InsertLeaf(ctx context.Context, cert domain.LeafCertificate) error {
	query := `INSERT INTO leaf_certificates (id, node_id, thumbprint_hex, serial_hex, not_before, not_after)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.pool.Exec(ctx, query, cert.ID, cert.NodeID, cert.ThumbprintHex, cert.SerialHex, cert.NotBefore, cert.NotAfter); err != nil {
		return fmt.Errorf("insert leaf certificate %s: %w", cert.ID, err)
	}
	return nil
}

// RevokeAndInsert revokes oldCertID (if non-nil) and inserts newCert inside
// one transaction, so a renewal never leaves two non-revoked certs on record
// for the same node.
func (r *CertRepo) RevokeAndInsert(ctx context.Context, oldCertID *uuid.UUID, reason string, newCert domain.LeafCertificate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin renewal transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if oldCertID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE leaf_certificates SET revoked = true, revoked_at = now(), revocation_reason = $2 WHERE id = $1`,
			*oldCertID, reason,
		); err != nil {
			return fmt.Errorf("revoke certificate %s: %w", *oldCertID, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO leaf_certificates (id, node_id, thumbprint_hex, serial_hex, not_before, not_after) VALUES ($1, $2, $3, $4, $5, $6)`,
		newCert.ID, newCert.NodeID, newCert.ThumbprintHex, newCert.SerialHex, newCert.NotBefore, newCert.NotAfter,
	); err != nil {
		return fmt.Errorf("insert renewed certificate %s: %w", newCert.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit renewal transaction: %w", err)
	}
	return nil
}

func (r *CertRepo) RevokeByThumbprint(ctx context.Context, thumbprint, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE leaf_certificates SET revoked = true, revoked_at = now(), revocation_reason = $2 WHERE thumbprint_hex = $1 AND revoked = false`,
		thumbprint, reason,
	)
	if err != nil {
		return fmt.Errorf("revoke certificate %s: %w", thumbprint, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke certificate %s: %w", thumbprint, pgx.ErrNoRows)
	}
	return nil
}
