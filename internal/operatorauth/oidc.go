package operatorauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig holds one tenant's external identity provider configuration.
type OIDCConfig struct {
	Enabled      bool
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AutoCreate   bool // auto-create an Operator record from validated claims
	DefaultRole  Role
}

// OIDCProvider wraps discovery and the authorization-code exchange for one
// tenant's configured IdP.
type OIDCProvider struct {
	mu          sync.RWMutex
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	oauth2Cfg   oauth2.Config
	autoCreate  bool
	defaultRole Role
}

// OIDCIdentity is the identity extracted from a verified ID token.
type OIDCIdentity struct {
	Subject  string
	Email    string
	Name     string
	Username string
}

// NewOIDCProvider initializes a provider via discovery. Returns nil, nil if
// cfg is not enabled or incomplete, so callers can treat OIDC as optional
// per tenant without a separate feature flag check.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled || cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	oauth2Cfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	defaultRole := cfg.DefaultRole
	if defaultRole == "" {
		defaultRole = RoleViewer
	}

	return &OIDCProvider{
		provider:    provider,
		verifier:    provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Cfg:   oauth2Cfg,
		autoCreate:  cfg.AutoCreate,
		defaultRole: defaultRole,
	}, nil
}

// AuthURL builds the authorization redirect URL carrying the given
// CSRF/replay-protection state parameter.
func (p *OIDCProvider) AuthURL(state string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.oauth2Cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and returns the verified
// identity carried by the resulting ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*OIDCIdentity, error) {
	p.mu.RLock()
	cfg, verifier := p.oauth2Cfg, p.verifier
	p.mu.RUnlock()

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}

	var claims struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id token claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = idToken.Subject
	}

	return &OIDCIdentity{Subject: idToken.Subject, Email: claims.Email, Name: claims.Name, Username: username}, nil
}

// AutoCreate reports whether an Operator should be created from a first-time
// OIDC login rather than requiring one to already exist.
func (p *OIDCProvider) AutoCreate() bool { p.mu.RLock(); defer p.mu.RUnlock(); return p.autoCreate }

// DefaultRole is the role assigned to an auto-created Operator.
func (p *OIDCProvider) DefaultRole() Role { p.mu.RLock(); defer p.mu.RUnlock(); return p.defaultRole }

// LoginWithOIDC finds or, if permitted, creates the Operator for a verified
// OIDC identity and opens a session the same way a password login would.
func (s *Service) LoginWithOIDC(ctx context.Context, tenantID string, identity *OIDCIdentity, provider *OIDCProvider, ip, userAgent string) (*Session, error) {
	op, err := s.operators.GetOperatorByUsername(tenantID, identity.Username)
	if err != nil {
		op = nil
	}

	if op == nil {
		if !provider.AutoCreate() {
			return nil, fmt.Errorf("operator %q not found and auto-create is disabled", identity.Username)
		}
		id, err := GenerateOperatorID()
		if err != nil {
			return nil, fmt.Errorf("generate operator id: %w", err)
		}
		randomPass, err := generateRandomHex(32)
		if err != nil {
			return nil, fmt.Errorf("generate placeholder credential: %w", err)
		}
		hash, err := HashPassword(randomPass)
		if err != nil {
			return nil, fmt.Errorf("hash placeholder credential: %w", err)
		}
		newOp := Operator{
			ID: id, TenantID: tenantID, Username: identity.Username, PasswordHash: hash,
			Roles: []Role{provider.DefaultRole()}, CreatedAt: time.Now().UTC(),
		}
		if err := s.operators.CreateOperator(newOp); err != nil {
			return nil, fmt.Errorf("create OIDC operator: %w", err)
		}
		op = &newOp
	}

	return s.openSession(*op, ip, userAgent)
}
