package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetward/control-plane/internal/operatorauth"
)

// OperatorRepo is the durable backing store for every operatorauth store
// interface (OperatorStore, SessionStore, APITokenStore, PendingTOTPStore,
// WebAuthnCredentialStore). operatorauth's interfaces predate context, so
// every method here runs against context.Background() the way the teacher's
// BoltDB-backed auth store ran against no context at all.
type OperatorRepo struct {
	pool *pgxpool.Pool
}

func NewOperatorRepo(pool *pgxpool.Pool) *OperatorRepo {
	return &OperatorRepo{pool: pool}
}

func rolesToColumn(roles []operatorauth.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func rolesFromColumn(col string) []operatorauth.Role {
	if col == "" {
		return nil
	}
	parts := strings.Split(col, ",")
	out := make([]operatorauth.Role, len(parts))
	for i, p := range parts {
		out[i] = operatorauth.Role(p)
	}
	return out
}

const operatorColumns = `id, tenant_id, username, password_hash, roles, totp_secret, totp_enabled,
	failed_logins, locked, locked_until, created_at, disabled`

func scanOperator(row pgx.Row) (*operatorauth.Operator, error) {
	var op operatorauth.Operator
	var roles string
	var lockedUntil *time.Time
	err := row.Scan(
		&op.ID, &op.TenantID, &op.Username, &op.PasswordHash, &roles, &op.TOTPSecret, &op.TOTPEnabled,
		&op.FailedLogins, &op.Locked, &lockedUntil, &op.CreatedAt, &op.Disabled,
	)
	if err != nil {
		return nil, err
	}
	op.Roles = rolesFromColumn(roles)
	if lockedUntil != nil {
		op.LockedUntil = *lockedUntil
	}
	return &op, nil
}

func (r *OperatorRepo) GetOperator(id string) (*operatorauth.Operator, error) {
	query := `SELECT ` + operatorColumns + ` FROM operators WHERE id = $1`
	op, err := scanOperator(r.pool.QueryRow(context.Background(), query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operator %s: %w", id, err)
	}
	return op, nil
}

func (r *OperatorRepo) GetOperatorByUsername(tenantID, username string) (*operatorauth.Operator, error) {
	query := `SELECT ` + operatorColumns + ` FROM operators WHERE tenant_id = $1 AND username = $2`
	op, err := scanOperator(r.pool.QueryRow(context.Background(), query, tenantID, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operator %s/%s: %w", tenantID, username, err)
	}
	return op, nil
}

func (r *OperatorRepo) CreateOperator(op operatorauth.Operator) error {
	query := `INSERT INTO operators (id, tenant_id, username, password_hash, roles, totp_secret, totp_enabled,
		failed_logins, locked, locked_until, created_at, disabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(context.Background(), query,
		op.ID, op.TenantID, op.Username, op.PasswordHash, rolesToColumn(op.Roles), op.TOTPSecret, op.TOTPEnabled,
		op.FailedLogins, op.Locked, nullTime(op.LockedUntil), op.CreatedAt, op.Disabled,
	)
	if err != nil {
		return fmt.Errorf("create operator %s: %w", op.ID, err)
	}
	return nil
}

func (r *OperatorRepo) UpdateOperator(op operatorauth.Operator) error {
	query := `UPDATE operators SET username = $2, password_hash = $3, roles = $4, totp_secret = $5,
		totp_enabled = $6, failed_logins = $7, locked = $8, locked_until = $9, disabled = $10
		WHERE id = $1`
	_, err := r.pool.Exec(context.Background(), query,
		op.ID, op.Username, op.PasswordHash, rolesToColumn(op.Roles), op.TOTPSecret,
		op.TOTPEnabled, op.FailedLogins, op.Locked, nullTime(op.LockedUntil), op.Disabled,
	)
	if err != nil {
		return fmt.Errorf("update operator %s: %w", op.ID, err)
	}
	return nil
}

// ---- sessions ----

func (r *OperatorRepo) CreateSession(s operatorauth.Session) error {
	query := `INSERT INTO operator_sessions (token, operator_id, tenant_id, ip, user_agent, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(context.Background(), query, s.Token, s.OperatorID, s.TenantID, s.IP, s.UserAgent, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *OperatorRepo) GetSession(token string) (*operatorauth.Session, error) {
	query := `SELECT token, operator_id, tenant_id, ip, user_agent, created_at, expires_at
		FROM operator_sessions WHERE token = $1`
	var s operatorauth.Session
	err := r.pool.QueryRow(context.Background(), query, token).Scan(
		&s.Token, &s.OperatorID, &s.TenantID, &s.IP, &s.UserAgent, &s.CreatedAt, &s.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

func (r *OperatorRepo) DeleteSession(token string) error {
	_, err := r.pool.Exec(context.Background(), `DELETE FROM operator_sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *OperatorRepo) DeleteSessionsForOperator(operatorID string) error {
	_, err := r.pool.Exec(context.Background(), `DELETE FROM operator_sessions WHERE operator_id = $1`, operatorID)
	if err != nil {
		return fmt.Errorf("delete sessions for operator %s: %w", operatorID, err)
	}
	return nil
}

func (r *OperatorRepo) DeleteExpiredSessions() (int, error) {
	tag, err := r.pool.Exec(context.Background(), `DELETE FROM operator_sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ---- API tokens ----

func (r *OperatorRepo) CreateAPIToken(t operatorauth.APIToken) error {
	query := `INSERT INTO operator_api_tokens (id, operator_id, tenant_id, name, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(context.Background(), query, t.ID, t.OperatorID, t.TenantID, t.Name, t.TokenHash, t.CreatedAt, nullTime(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create api token: %w", err)
	}
	return nil
}

func (r *OperatorRepo) GetAPITokenByHash(hash string) (*operatorauth.APIToken, error) {
	query := `SELECT id, operator_id, tenant_id, name, token_hash, created_at, expires_at, last_used_at
		FROM operator_api_tokens WHERE token_hash = $1`
	var t operatorauth.APIToken
	var expiresAt, lastUsedAt *time.Time
	err := r.pool.QueryRow(context.Background(), query, hash).Scan(
		&t.ID, &t.OperatorID, &t.TenantID, &t.Name, &t.TokenHash, &t.CreatedAt, &expiresAt, &lastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api token by hash: %w", err)
	}
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	if lastUsedAt != nil {
		t.LastUsedAt = *lastUsedAt
	}
	return &t, nil
}

func (r *OperatorRepo) TouchAPIToken(id string, usedAt time.Time) error {
	_, err := r.pool.Exec(context.Background(), `UPDATE operator_api_tokens SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	if err != nil {
		return fmt.Errorf("touch api token %s: %w", id, err)
	}
	return nil
}

// ---- pending TOTP handoff ----

func (r *OperatorRepo) SavePendingTOTP(token, operatorID string, expiresAt time.Time) error {
	query := `INSERT INTO operator_pending_totp (token, operator_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET operator_id = $2, expires_at = $3`
	_, err := r.pool.Exec(context.Background(), query, token, operatorID, expiresAt)
	if err != nil {
		return fmt.Errorf("save pending totp: %w", err)
	}
	return nil
}

func (r *OperatorRepo) GetPendingTOTP(token string) (string, error) {
	var operatorID string
	var expiresAt time.Time
	query := `SELECT operator_id, expires_at FROM operator_pending_totp WHERE token = $1`
	err := r.pool.QueryRow(context.Background(), query, token).Scan(&operatorID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("pending totp token not found")
	}
	if err != nil {
		return "", fmt.Errorf("get pending totp: %w", err)
	}
	if time.Now().After(expiresAt) {
		return "", fmt.Errorf("pending totp token expired")
	}
	return operatorID, nil
}

func (r *OperatorRepo) DeletePendingTOTP(token string) error {
	_, err := r.pool.Exec(context.Background(), `DELETE FROM operator_pending_totp WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete pending totp: %w", err)
	}
	return nil
}

// ---- WebAuthn credentials ----

func (r *OperatorRepo) CreateWebAuthnCredential(cred operatorauth.WebAuthnCredential) error {
	query := `INSERT INTO operator_webauthn_credentials
		(id, operator_id, public_key, attestation_type, transport, sign_count, aaguid, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(context.Background(), query,
		cred.ID, cred.OperatorID, cred.PublicKey, cred.AttestationType, strings.Join(cred.Transport, ","),
		cred.SignCount, cred.AAGUID, cred.Name, cred.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create webauthn credential: %w", err)
	}
	return nil
}

func (r *OperatorRepo) ListWebAuthnCredentialsForOperator(operatorID string) ([]operatorauth.WebAuthnCredential, error) {
	query := `SELECT id, operator_id, public_key, attestation_type, transport, sign_count, aaguid, name, created_at
		FROM operator_webauthn_credentials WHERE operator_id = $1`
	rows, err := r.pool.Query(context.Background(), query, operatorID)
	if err != nil {
		return nil, fmt.Errorf("list webauthn credentials for %s: %w", operatorID, err)
	}
	defer rows.Close()

	var out []operatorauth.WebAuthnCredential
	for rows.Next() {
		var c operatorauth.WebAuthnCredential
		var transport string
		if err := rows.Scan(&c.ID, &c.OperatorID, &c.PublicKey, &c.AttestationType, &transport, &c.SignCount, &c.AAGUID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webauthn credential: %w", err)
		}
		if transport != "" {
			c.Transport = strings.Split(transport, ",")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *OperatorRepo) GetOperatorByWebAuthnHandle(handle []byte) (*operatorauth.Operator, error) {
	query := `SELECT ` + prefixed("o", operatorColumns) + ` FROM operators o
		JOIN operator_webauthn_credentials c ON c.operator_id = o.id
		WHERE c.id = $1 LIMIT 1`
	op, err := scanOperator(r.pool.QueryRow(context.Background(), query, handle))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operator by webauthn handle: %w", err)
	}
	return op, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
