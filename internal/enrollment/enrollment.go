// Package enrollment implements the token-gated, CSR-less node enrollment
// protocol: validating a one-time token, binding the node's own locally
// generated public key to a freshly created node record, and handing back a
// signed leaf certificate.
package enrollment

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/eventbus"
	"github.com/fleetward/control-plane/internal/pki"
	"github.com/fleetward/control-plane/internal/telemetry"
	"github.com/fleetward/control-plane/internal/tenant"
	"github.com/google/uuid"
)

// nodeNamePattern enforces lowercase dns-label rules on node names.
var nodeNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Repo persists enrollment tokens and node records for the coordinator.
// Token consumption and node creation happen inside a single call so the
// store can make them atomic (a Postgres implementation wraps both writes in
// one transaction).
type Repo interface {
	LookupToken(ctx context.Context, tokenID string) (*domain.EnrollmentToken, error)
	NodeNameExists(ctx context.Context, tenantID, name string) (bool, error)
	ConsumeTokenAndCreateNode(ctx context.Context, tokenID string, node domain.Node) error
	// RollbackEnrollment undoes a token consumption and node creation when
	// issuance fails after the transaction commits (the compensating reset
	// required by the response size cap).
	RollbackEnrollment(ctx context.Context, tokenID, nodeID string) error
}

// Request is the coordinator's enrollment input, already stripped of
// transport concerns (the caller has verified TLS was used to reach it).
type Request struct {
	TokenPlaintext string
	NodeName       string
	Platform       domain.Platform
	PublicKey      crypto.PublicKey
	AgentVersion   string
	Hardware       domain.Hardware
	ArrivedOverTLS bool
}

// Response is the coordinator's successful enrollment output.
type Response struct {
	NodeID uuid.UUID
	Bundle pki.Bundle
}

// Coordinator implements Enroll and RenewCertificate.
type Coordinator struct {
	repo  Repo
	certs *pki.Service
	bus   *eventbus.Bus
	log   *slog.Logger
}

func NewCoordinator(repo Repo, certs *pki.Service, bus *eventbus.Bus, log *slog.Logger) *Coordinator {
	return &Coordinator{repo: repo, certs: certs, bus: bus, log: log.With("component", "enrollment")}
}

// Enroll validates a one-time token, binds the node's public key, creates
// its record, and returns a signed leaf certificate bundle. Token validation
// failures of every kind — unknown, expired, or already consumed — render
// as the same InvalidToken code, so a probing attacker cannot distinguish
// them.
func (c *Coordinator) Enroll(ctx context.Context, req Request) (*Response, error) {
	correlationID, _ := tenant.Correlation(ctx)

	if !req.ArrivedOverTLS {
		telemetry.EnrollmentTokensTotal.WithLabelValues("insecure_transport").Inc()
		return nil, apierr.New(apierr.InsecureTransport, "enrollment requires TLS", correlationID)
	}

	if !req.Platform.Valid() {
		telemetry.EnrollmentTokensTotal.WithLabelValues("invalid_platform").Inc()
		return nil, apierr.New(apierr.InvalidPlatform, "unrecognized platform tag", correlationID)
	}

	tokenID := tokenIdentifier(req.TokenPlaintext)
	tok, err := c.repo.LookupToken(ctx, tokenID)
	if err != nil || tok == nil {
		c.log.Warn("enrollment token lookup failed", "tokenId", tokenID, "correlationId", correlationID, "error", err)
		telemetry.EnrollmentTokensTotal.WithLabelValues("invalid_token").Inc()
		return nil, apierr.New(apierr.InvalidToken, "enrollment token is invalid", correlationID)
	}

	if tok.Consumed() || tok.Expired(time.Now()) {
		telemetry.EnrollmentTokensTotal.WithLabelValues("invalid_token").Inc()
		return nil, apierr.New(apierr.InvalidToken, "enrollment token is invalid", correlationID)
	}

	if !hmac.Equal(tok.SecretHash, hashToken(req.TokenPlaintext)) {
		telemetry.EnrollmentTokensTotal.WithLabelValues("invalid_token").Inc()
		return nil, apierr.New(apierr.InvalidToken, "enrollment token is invalid", correlationID)
	}

	name := strings.ToLower(strings.TrimSpace(req.NodeName))
	if !nodeNamePattern.MatchString(name) {
		return nil, apierr.New(apierr.InvalidPlatform, "node name must be a lowercase dns label", correlationID)
	}
	exists, err := c.repo.NodeNameExists(ctx, tok.TenantID, name)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "enrollment failed", correlationID, err)
	}
	if exists {
		return nil, apierr.New(apierr.NameAlreadyExists, "node name already in use for this tenant", correlationID)
	}

	nodeID := uuid.New()
	node := domain.Node{
		ID:        nodeID.String(),
		TenantID:  tok.TenantID,
		Name:      name,
		Platform:  req.Platform,
		Status:    domain.NodeEnrolling,
		Hardware:  req.Hardware,
		CreatedAt: time.Now(),
	}

	if err := c.repo.ConsumeTokenAndCreateNode(ctx, tok.ID, node); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "enrollment failed", correlationID, err)
	}

	bundle, err := c.certs.Issue(ctx, nodeID, req.PublicKey)
	if err != nil {
		// Compensating rollback: the token transaction already committed, so
		// undo it explicitly rather than leaving a consumed token with no
		// usable certificate.
		if rbErr := c.repo.RollbackEnrollment(ctx, tok.ID, node.ID); rbErr != nil {
			c.log.Error("enrollment rollback failed", "nodeId", node.ID, "error", rbErr)
		}
		telemetry.EnrollmentTokensTotal.WithLabelValues("crypto_error").Inc()
		return nil, err
	}

	telemetry.EnrollmentTokensTotal.WithLabelValues("success").Inc()
	telemetry.CertIssuancesTotal.WithLabelValues("issue").Inc()
	c.log.Info("node enrolled", "nodeId", node.ID, "tenantId", node.TenantID, "name", name, "correlationId", correlationID)

	c.bus.Publish(eventbus.Event{
		Type:          eventbus.EventNodeEnrolled,
		TenantID:      uuid.MustParse(node.TenantID),
		NodeID:        nodeID,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf("node %s (%s) enrolled", node.ID, name),
		Timestamp:     time.Now(),
	})

	return &Response{NodeID: nodeID, Bundle: bundle}, nil
}

// RenewCertificate rotates nodeID's leaf certificate. It does not compare
// nodeID with the UUID in the caller's mTLS client certificate CN; the agent
// renew handler does that before calling it and rejects a mismatch with
// CertInvalidNodeID.
func (c *Coordinator) RenewCertificate(ctx context.Context, nodeID uuid.UUID, presentedThumbprint string, newPub crypto.PublicKey) (pki.Bundle, error) {
	bundle, err := c.certs.Renew(ctx, nodeID, presentedThumbprint, newPub)
	if err != nil {
		telemetry.CertIssuancesTotal.WithLabelValues("renew_failed").Inc()
		return pki.Bundle{}, err
	}
	telemetry.CertIssuancesTotal.WithLabelValues("renew").Inc()

	correlationID, _ := tenant.Correlation(ctx)
	c.bus.Publish(eventbus.Event{
		Type:          eventbus.EventCertRenewed,
		NodeID:        nodeID,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf("node %s certificate renewed", nodeID),
		Timestamp:     time.Now(),
	})
	return bundle, nil
}

// tokenIdentifier derives a lookup key for a plaintext token without storing
// the secret itself: the first 16 hex characters of its SHA-256 digest.
func tokenIdentifier(plaintext string) string {
	sum := hashToken(plaintext)
	return fmt.Sprintf("%x", sum)[:16]
}

func hashToken(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	return sum[:]
}
