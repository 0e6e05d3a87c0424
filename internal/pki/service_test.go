package pki

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/google/uuid"
)

type fakeRepo struct {
	mu      sync.Mutex
	byNode  map[string]domain.LeafCertificate
	byThumb map[string]*domain.LeafCertificate
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byNode:  make(map[string]domain.LeafCertificate),
		byThumb: make(map[string]*domain.LeafCertificate),
	}
}

func (r *fakeRepo) CurrentLeaf(_ context.Context, nodeID uuid.UUID) (*domain.LeafCertificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byNode[nodeID.String()]
	if !ok {
		return nil, errors.New("no current leaf")
	}
	cp := rec
	return &cp, nil
}

func (r *fakeRepo) InsertLeaf(_ context.Context, cert domain.LeafCertificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byNode[cert.NodeID] = cert
	cp := cert
	r.byThumb[cert.ThumbprintHex] = &cp
	return nil
}

func (r *fakeRepo) RevokeAndInsert(_ context.Context, oldCertID *uuid.UUID, reason string, newCert domain.LeafCertificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldCertID != nil {
		for thumb, rec := range r.byThumb {
			if rec.ID == oldCertID.String() {
				rec.Revoked = true
				rec.RevocationReason = reason
				r.byThumb[thumb] = rec
			}
		}
	}
	r.byNode[newCert.NodeID] = newCert
	cp := newCert
	r.byThumb[newCert.ThumbprintHex] = &cp
	return nil
}

func (r *fakeRepo) RevokeByThumbprint(_ context.Context, thumbprint, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byThumb[thumbprint]
	if !ok {
		return errors.New("not found")
	}
	rec.Revoked = true
	rec.RevocationReason = reason
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo) {
	t.Helper()
	ca, err := EnsureCA(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("EnsureCA() error = %v", err)
	}
	repo := newFakeRepo()
	return NewService(ca, repo), repo
}

func nodeKey(t *testing.T) (*ecdsa.PrivateKey, uuid.UUID) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate node key: %v", err)
	}
	return key, uuid.New()
}

func TestIssueStoresRecordAndReturnsBundle(t *testing.T) {
	svc, repo := newTestService(t)
	key, nodeID := nodeKey(t)

	bundle, err := svc.Issue(context.Background(), nodeID, &key.PublicKey)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(bundle.CertPEM) == 0 {
		t.Error("expected non-empty CertPEM")
	}
	if len(bundle.ExportBlob) == 0 || bundle.ExportPassword == "" {
		t.Error("expected a populated export blob and password")
	}

	rec, err := repo.CurrentLeaf(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("CurrentLeaf() error = %v", err)
	}
	if rec.ThumbprintHex != bundle.Thumbprint {
		t.Errorf("stored thumbprint = %q, want %q", rec.ThumbprintHex, bundle.Thumbprint)
	}
}

func TestRenewRequiresMatchingThumbprint(t *testing.T) {
	svc, _ := newTestService(t)
	key, nodeID := nodeKey(t)

	if _, err := svc.Issue(context.Background(), nodeID, &key.PublicKey); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	newKey, _ := nodeKey(t)
	_, err := svc.Renew(context.Background(), nodeID, "not-the-real-thumbprint", &newKey.PublicKey)
	if err == nil {
		t.Fatal("expected error for mismatched thumbprint")
	}
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.KeyMismatch {
		t.Errorf("expected KeyMismatch apierr, got %v", err)
	}
}

func TestRenewRotatesAndRevokesOld(t *testing.T) {
	svc, repo := newTestService(t)
	key, nodeID := nodeKey(t)

	first, err := svc.Issue(context.Background(), nodeID, &key.PublicKey)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	newKey, _ := nodeKey(t)
	second, err := svc.Renew(context.Background(), nodeID, first.Thumbprint, &newKey.PublicKey)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if second.Thumbprint == first.Thumbprint {
		t.Error("expected a new thumbprint after renewal")
	}

	old := repo.byThumb[first.Thumbprint]
	if old == nil || !old.Revoked {
		t.Error("expected old certificate to be marked revoked after renewal")
	}
	if old.RevocationReason != "Renewed" {
		t.Errorf("RevocationReason = %q, want Renewed", old.RevocationReason)
	}

	current, err := repo.CurrentLeaf(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("CurrentLeaf() error = %v", err)
	}
	if current.ThumbprintHex != second.Thumbprint {
		t.Error("expected current leaf to be the newly issued certificate")
	}
}

func TestRevokeMarksRecord(t *testing.T) {
	svc, repo := newTestService(t)
	key, nodeID := nodeKey(t)

	bundle, err := svc.Issue(context.Background(), nodeID, &key.PublicKey)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := svc.Revoke(context.Background(), bundle.Thumbprint, "Compromised"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	rec := repo.byThumb[bundle.Thumbprint]
	if rec == nil || !rec.Revoked || rec.RevocationReason != "Compromised" {
		t.Error("expected certificate to be revoked with the given reason")
	}
}

func TestRevokeUnknownThumbprintErrors(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Revoke(context.Background(), "does-not-exist", "Compromised")
	if err == nil {
		t.Fatal("expected error for unknown thumbprint")
	}
}

func TestCACertificatePEMMatchesIssuerChain(t *testing.T) {
	svc, _ := newTestService(t)
	caPEM := svc.CACertificatePEM()
	if len(caPEM) == 0 {
		t.Error("expected non-empty CA certificate PEM")
	}
}
