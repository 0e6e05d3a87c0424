package enrollment

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/eventbus"
	"github.com/fleetward/control-plane/internal/pki"
	"github.com/google/uuid"
)

type fakeRepo struct {
	mu         sync.Mutex
	tokens     map[string]domain.EnrollmentToken
	names      map[string]bool
	rolledBack []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tokens: make(map[string]domain.EnrollmentToken), names: make(map[string]bool)}
}

func (r *fakeRepo) LookupToken(_ context.Context, tokenID string) (*domain.EnrollmentToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	cp := tok
	return &cp, nil
}

func (r *fakeRepo) NodeNameExists(_ context.Context, _, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names[name], nil
}

func (r *fakeRepo) ConsumeTokenAndCreateNode(_ context.Context, tokenID string, node domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tokenID]
	if !ok {
		return errors.New("unknown token")
	}
	tok.ConsumedAt = time.Now()
	tok.ConsumerNodeID = node.ID
	r.tokens[tokenID] = tok
	r.names[node.Name] = true
	return nil
}

func (r *fakeRepo) RollbackEnrollment(_ context.Context, tokenID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.tokens[tokenID]
	tok.ConsumedAt = time.Time{}
	tok.ConsumerNodeID = ""
	r.tokens[tokenID] = tok
	r.rolledBack = append(r.rolledBack, nodeID)
	return nil
}

func addToken(r *fakeRepo, plaintext, tenantID string, expiresIn time.Duration) {
	sum := sha256.Sum256([]byte(plaintext))
	id := tokenIdentifier(plaintext)
	r.tokens[id] = domain.EnrollmentToken{
		ID:         id,
		TenantID:   tenantID,
		SecretHash: sum[:],
		ExpiresAt:  time.Now().Add(expiresIn),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T) (*Coordinator, *fakeRepo) {
	t.Helper()
	ca, err := pki.EnsureCA(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("EnsureCA() error = %v", err)
	}
	certRepo := newCertFakeRepo()
	svc := pki.NewService(ca, certRepo)
	repo := newFakeRepo()
	return NewCoordinator(repo, svc, eventbus.New(), testLogger()), repo
}

// certFakeRepo is a minimal pki.Repo so enrollment tests don't depend on the
// pki package's own test helpers.
type certFakeRepo struct {
	mu   sync.Mutex
	byID map[string]domain.LeafCertificate
}

func newCertFakeRepo() *certFakeRepo {
	return &certFakeRepo{byID: make(map[string]domain.LeafCertificate)}
}

func (r *certFakeRepo) CurrentLeaf(_ context.Context, nodeID uuid.UUID) (*domain.LeafCertificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[nodeID.String()]
	if !ok {
		return nil, errors.New("not found")
	}
	return &rec, nil
}

func (r *certFakeRepo) InsertLeaf(_ context.Context, cert domain.LeafCertificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[cert.NodeID] = cert
	return nil
}

func (r *certFakeRepo) RevokeAndInsert(_ context.Context, _ *uuid.UUID, _ string, newCert domain.LeafCertificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[newCert.NodeID] = newCert
	return nil
}

func (r *certFakeRepo) RevokeByThumbprint(_ context.Context, _, _ string) error { return nil }

func testRequest(t *testing.T, tokenPlaintext string) Request {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate node key: %v", err)
	}
	return Request{
		TokenPlaintext: tokenPlaintext,
		NodeName:       "game-node-1",
		Platform:       domain.PlatformLinux,
		PublicKey:      &key.PublicKey,
		AgentVersion:   "1.0.0",
		ArrivedOverTLS: true,
	}
}

func TestEnrollHappyPath(t *testing.T) {
	coord, repo := newCoordinator(t)
	tenantID := uuid.New().String()
	addToken(repo, "tok-happy", tenantID, time.Hour)

	resp, err := coord.Enroll(context.Background(), testRequest(t, "tok-happy"))
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if resp.NodeID == uuid.Nil {
		t.Error("expected a non-nil node id")
	}
	if len(resp.Bundle.CertPEM) == 0 {
		t.Error("expected a non-empty certificate")
	}
}

func TestEnrollRejectsWithoutTLS(t *testing.T) {
	coord, repo := newCoordinator(t)
	addToken(repo, "tok-notls", uuid.New().String(), time.Hour)

	req := testRequest(t, "tok-notls")
	req.ArrivedOverTLS = false
	_, err := coord.Enroll(context.Background(), req)
	assertCode(t, err, apierr.InsecureTransport)
}

func TestEnrollRejectsInvalidPlatform(t *testing.T) {
	coord, repo := newCoordinator(t)
	addToken(repo, "tok-platform", uuid.New().String(), time.Hour)

	req := testRequest(t, "tok-platform")
	req.Platform = domain.Platform("plan9")
	_, err := coord.Enroll(context.Background(), req)
	assertCode(t, err, apierr.InvalidPlatform)
}

func TestEnrollRejectsUnknownToken(t *testing.T) {
	coord, _ := newCoordinator(t)
	_, err := coord.Enroll(context.Background(), testRequest(t, "never-issued"))
	assertCode(t, err, apierr.InvalidToken)
}

func TestEnrollRejectsExpiredToken(t *testing.T) {
	coord, repo := newCoordinator(t)
	addToken(repo, "tok-expired", uuid.New().String(), -time.Hour)

	_, err := coord.Enroll(context.Background(), testRequest(t, "tok-expired"))
	assertCode(t, err, apierr.InvalidToken)
}

func TestEnrollRejectsConsumedToken(t *testing.T) {
	coord, repo := newCoordinator(t)
	tenantID := uuid.New().String()
	addToken(repo, "tok-once", tenantID, time.Hour)

	if _, err := coord.Enroll(context.Background(), testRequest(t, "tok-once")); err != nil {
		t.Fatalf("first Enroll() error = %v", err)
	}

	// Same token, different node name: still must fail, uniformly, as
	// InvalidToken rather than revealing it was already consumed.
	req := testRequest(t, "tok-once")
	req.NodeName = "game-node-2"
	_, err := coord.Enroll(context.Background(), req)
	assertCode(t, err, apierr.InvalidToken)
}

func TestEnrollRejectsDuplicateName(t *testing.T) {
	coord, repo := newCoordinator(t)
	tenantID := uuid.New().String()
	addToken(repo, "tok-a", tenantID, time.Hour)
	addToken(repo, "tok-b", tenantID, time.Hour)

	if _, err := coord.Enroll(context.Background(), testRequest(t, "tok-a")); err != nil {
		t.Fatalf("first Enroll() error = %v", err)
	}
	_, err := coord.Enroll(context.Background(), testRequest(t, "tok-b"))
	assertCode(t, err, apierr.NameAlreadyExists)
}

func TestRenewCertificateRotatesThumbprint(t *testing.T) {
	coord, repo := newCoordinator(t)
	tenantID := uuid.New().String()
	addToken(repo, "tok-renew", tenantID, time.Hour)

	resp, err := coord.Enroll(context.Background(), testRequest(t, "tok-renew"))
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}

	newKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate new key: %v", err)
	}
	bundle, err := coord.RenewCertificate(context.Background(), resp.NodeID, resp.Bundle.Thumbprint, &newKey.PublicKey)
	if err != nil {
		t.Fatalf("RenewCertificate() error = %v", err)
	}
	if bundle.Thumbprint == resp.Bundle.Thumbprint {
		t.Error("expected a new thumbprint after renewal")
	}
}

func assertCode(t *testing.T, err error, want apierr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", want)
	}
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Code != want {
		t.Errorf("code = %s, want %s", apiErr.Code, want)
	}
}
