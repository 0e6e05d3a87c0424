package operatorauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// Service aggregates every store and piece of configuration needed to
// authenticate an operator by any of the supported methods.
type Service struct {
	operators     OperatorStore
	sessions      SessionStore
	tokens        APITokenStore
	pendingTOTP   PendingTOTPStore
	webauthnCreds WebAuthnCredentialStore
	webauthn      *webauthn.WebAuthn // nil if passkeys are not configured

	log           *slog.Logger
	cookieSecure  bool
	sessionExpiry time.Duration
	rateLimiter   *RateLimiter
}

// Config configures a new Service.
type Config struct {
	Operators     OperatorStore
	Sessions      SessionStore
	Tokens        APITokenStore
	PendingTOTP   PendingTOTPStore
	WebAuthnCreds WebAuthnCredentialStore
	WebAuthn      *webauthn.WebAuthn
	Log           *slog.Logger
	CookieSecure  bool
	SessionExpiry time.Duration
	RateLimit     RateLimitConfig
}

func NewService(cfg Config) *Service {
	expiry := cfg.SessionExpiry
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	rateCfg := cfg.RateLimit
	if rateCfg.MaxAttempts <= 0 {
		rateCfg = DefaultRateLimitConfig()
	}
	return &Service{
		operators:     cfg.Operators,
		sessions:      cfg.Sessions,
		tokens:        cfg.Tokens,
		pendingTOTP:   cfg.PendingTOTP,
		webauthnCreds: cfg.WebAuthnCreds,
		webauthn:      cfg.WebAuthn,
		log:           cfg.Log,
		cookieSecure:  cfg.CookieSecure,
		sessionExpiry: expiry,
		rateLimiter:   NewRateLimiter(rateCfg),
	}
}

// Login authenticates an operator by username/password, scoped to tenantID
// so the same username can exist independently under different tenants.
// Returns ErrTOTPRequired when the password check succeeds but a second
// factor is still owed.
func (s *Service) Login(ctx context.Context, tenantID, username, password, ip, userAgent string) (*Session, error) {
	if !s.rateLimiter.Allow(ip) {
		return nil, ErrRateLimited
	}

	op, err := s.operators.GetOperatorByUsername(tenantID, username)
	if err != nil || op == nil {
		s.rateLimiter.RecordFailure(ip)
		return nil, ErrInvalidCredentials
	}
	if op.Disabled {
		return nil, ErrAccountDisabled
	}
	if op.Locked && time.Now().Before(op.LockedUntil) {
		return nil, ErrAccountLocked
	}

	if !CheckPassword(op.PasswordHash, password) {
		op.FailedLogins++
		if op.FailedLogins >= s.rateLimiter.cfg.LockoutAfter {
			op.Locked = true
			op.LockedUntil = time.Now().Add(s.rateLimiter.cfg.LockoutFor)
		}
		_ = s.operators.UpdateOperator(*op)
		s.rateLimiter.RecordFailure(ip)
		return nil, ErrInvalidCredentials
	}

	op.FailedLogins = 0
	op.Locked = false
	op.LockedUntil = time.Time{}
	_ = s.operators.UpdateOperator(*op)
	s.rateLimiter.Reset(ip)

	if op.TOTPEnabled && s.pendingTOTP != nil {
		pendingToken, err := s.createPendingTOTP(op.ID)
		if err != nil {
			return nil, fmt.Errorf("create pending totp: %w", err)
		}
		return nil, &ErrTOTPRequired{PendingToken: pendingToken}
	}

	return s.openSession(*op, ip, userAgent)
}

// openSession issues and persists a new session for an already-authenticated
// operator. Every login path (password, TOTP completion, WebAuthn, OIDC)
// converges here.
func (s *Service) openSession(op Operator, ip, userAgent string) (*Session, error) {
	token, err := GenerateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	session := Session{
		Token: token, OperatorID: op.ID, TenantID: op.TenantID,
		IP: ip, UserAgent: userAgent,
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(s.sessionExpiry),
	}
	if err := s.sessions.CreateSession(session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

func (s *Service) createPendingTOTP(operatorID string) (string, error) {
	token, err := generateRandomHex(16)
	if err != nil {
		return "", err
	}
	if err := s.pendingTOTP.SavePendingTOTP(token, operatorID, time.Now().Add(5*time.Minute)); err != nil {
		return "", err
	}
	return token, nil
}

// VerifyTOTP exchanges a pending token and TOTP code for a session,
// completing the two-step login Login started.
func (s *Service) VerifyTOTP(ctx context.Context, pendingToken, code, ip, userAgent string) (*Session, error) {
	operatorID, err := s.pendingTOTP.GetPendingTOTP(pendingToken)
	if err != nil || operatorID == "" {
		return nil, ErrSessionExpired
	}

	op, err := s.operators.GetOperator(operatorID)
	if err != nil || op == nil {
		return nil, ErrInvalidCredentials
	}
	if !ValidateTOTPCode(op.TOTPSecret, code) {
		return nil, ErrInvalidCredentials
	}

	_ = s.pendingTOTP.DeletePendingTOTP(pendingToken)
	return s.openSession(*op, ip, userAgent)
}

// ValidateSession resolves a session cookie token to Claims, or nil if the
// session is missing or expired.
func (s *Service) ValidateSession(ctx context.Context, token string) *Claims {
	session, err := s.sessions.GetSession(token)
	if err != nil || session == nil {
		return nil
	}
	if time.Now().After(session.ExpiresAt) {
		_ = s.sessions.DeleteSession(token)
		return nil
	}
	op, err := s.operators.GetOperator(session.OperatorID)
	if err != nil || op == nil || op.Disabled {
		return nil
	}
	return &Claims{OperatorID: op.ID, TenantID: op.TenantID, Roles: op.Roles, Method: "session"}
}

// ValidateBearerToken resolves an API bearer token to Claims, or nil if the
// token is missing, revoked, or expired.
func (s *Service) ValidateBearerToken(ctx context.Context, rawToken string) *Claims {
	rec, err := s.tokens.GetAPITokenByHash(HashToken(rawToken))
	if err != nil || rec == nil {
		return nil
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil
	}
	op, err := s.operators.GetOperator(rec.OperatorID)
	if err != nil || op == nil || op.Disabled {
		return nil
	}
	_ = s.tokens.TouchAPIToken(rec.ID, time.Now().UTC())
	return &Claims{OperatorID: op.ID, TenantID: op.TenantID, Roles: op.Roles, Method: "bearer"}
}

// Logout invalidates a session token.
func (s *Service) Logout(token string) error {
	return s.sessions.DeleteSession(token)
}

// EnableTOTP generates a new secret for operatorID and returns its
// provisioning key; the operator still must confirm a code via ConfirmTOTP
// before TOTPEnabled is set, so a typo during setup can't lock them out.
func (s *Service) EnableTOTP(operatorID, username string) (secret string, err error) {
	key, err := GenerateTOTPSecret(username)
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	op, err := s.operators.GetOperator(operatorID)
	if err != nil || op == nil {
		return "", ErrInvalidCredentials
	}
	op.TOTPSecret = key.Secret()
	if err := s.operators.UpdateOperator(*op); err != nil {
		return "", fmt.Errorf("persist pending totp secret: %w", err)
	}
	return key.Secret(), nil
}

// ConfirmTOTP validates the first code from a newly enrolled authenticator
// app and flips TOTPEnabled on.
func (s *Service) ConfirmTOTP(operatorID, code string) error {
	op, err := s.operators.GetOperator(operatorID)
	if err != nil || op == nil {
		return ErrInvalidCredentials
	}
	if !ValidateTOTPCode(op.TOTPSecret, code) {
		return ErrInvalidCredentials
	}
	op.TOTPEnabled = true
	return s.operators.UpdateOperator(*op)
}

// DisableTOTP turns off second-factor enforcement after re-verifying the
// operator's password.
func (s *Service) DisableTOTP(operatorID, password string) error {
	op, err := s.operators.GetOperator(operatorID)
	if err != nil || op == nil {
		return ErrInvalidCredentials
	}
	if !CheckPassword(op.PasswordHash, password) {
		return ErrInvalidCredentials
	}
	op.TOTPEnabled = false
	op.TOTPSecret = ""
	return s.operators.UpdateOperator(*op)
}

// CleanupExpiredSessions sweeps the session store; intended to run off a
// background ticker alongside the rate limiter's own Cleanup.
func (s *Service) CleanupExpiredSessions() (int, error) {
	return s.sessions.DeleteExpiredSessions()
}
