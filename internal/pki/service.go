package pki

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/tenant"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// Repo persists issued leaf certificates and their revocation state. The
// control plane's Postgres store implements this.
type Repo interface {
	CurrentLeaf(ctx context.Context, nodeID uuid.UUID) (*domain.LeafCertificate, error)
	InsertLeaf(ctx context.Context, cert domain.LeafCertificate) error
	// RevokeAndInsert atomically revokes oldCertID (if non-nil) and inserts
	// newCert, so a renewal never leaves two non-revoked certs for one node.
	RevokeAndInsert(ctx context.Context, oldCertID *uuid.UUID, reason string, newCert domain.LeafCertificate) error
	RevokeByThumbprint(ctx context.Context, thumbprint, reason string) error
}

// Bundle is the wire response for a successful issuance or renewal. Exports
// field is an opaque, password-protected blob carrying the certificate for
// clients that want a single importable artifact rather than loose PEM.
type Bundle struct {
	CertPEM        []byte
	ExportBlob     []byte
	ExportPassword string
	Thumbprint     string
	Serial         string
	NotBefore      time.Time
	NotAfter       time.Time
}

// maxCertBlobBytes bounds the base64-encoded certificate blob returned to a
// node, per the enrollment coordinator's response size cap.
const maxCertBlobBytes = 8 * 1024

// Service wraps the CA with the durable revocation bookkeeping and export
// packaging the enrollment/renewal contract requires.
type Service struct {
	ca   *CA
	repo Repo
}

func NewService(ca *CA, repo Repo) *Service {
	return &Service{ca: ca, repo: repo}
}

// Issue signs a fresh leaf certificate for nodeID from the presented public
// key and records it. Used both at enrollment and — internally — at renewal.
func (s *Service) Issue(ctx context.Context, nodeID uuid.UUID, pub crypto.PublicKey) (Bundle, error) {
	certPEM, serialHex, err := s.ca.IssueLeaf(nodeID, pub)
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.CryptoError, "certificate processing failed", correlationFrom(ctx), err)
	}

	bundle, err := packageBundle(certPEM, serialHex)
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.CryptoError, "certificate processing failed", correlationFrom(ctx), err)
	}
	if len(bundle.CertPEM) > maxCertBlobBytes {
		return Bundle{}, apierr.New(apierr.CertificateTooLarge, "issued certificate exceeds response size cap", correlationFrom(ctx))
	}

	rec := domain.LeafCertificate{
		ID:            uuid.NewString(),
		NodeID:        nodeID.String(),
		ThumbprintHex: bundle.Thumbprint,
		SerialHex:     bundle.Serial,
		NotBefore:     bundle.NotBefore,
		NotAfter:      bundle.NotAfter,
	}
	if err := s.repo.InsertLeaf(ctx, rec); err != nil {
		return Bundle{}, apierr.Wrap(apierr.CryptoError, "certificate processing failed", correlationFrom(ctx), err)
	}
	return bundle, nil
}

// Renew requires presentedThumbprint to match the node's current non-revoked
// cert, then atomically issues a new one and revokes the old with reason
// "Renewed".
func (s *Service) Renew(ctx context.Context, nodeID uuid.UUID, presentedThumbprint string, newPub crypto.PublicKey) (Bundle, error) {
	current, err := s.repo.CurrentLeaf(ctx, nodeID)
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.CertChainMissing, "no current certificate on record", correlationFrom(ctx), err)
	}
	if current.ThumbprintHex != presentedThumbprint {
		return Bundle{}, apierr.New(apierr.KeyMismatch, "presented thumbprint does not match current certificate", correlationFrom(ctx))
	}

	certPEM, serialHex, err := s.ca.IssueLeaf(nodeID, newPub)
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.CryptoError, "certificate processing failed", correlationFrom(ctx), err)
	}
	bundle, err := packageBundle(certPEM, serialHex)
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.CryptoError, "certificate processing failed", correlationFrom(ctx), err)
	}

	newRec := domain.LeafCertificate{
		ID:            uuid.NewString(),
		NodeID:        nodeID.String(),
		ThumbprintHex: bundle.Thumbprint,
		SerialHex:     bundle.Serial,
		NotBefore:     bundle.NotBefore,
		NotAfter:      bundle.NotAfter,
	}
	oldID, err := uuid.Parse(current.ID)
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.CryptoError, "certificate processing failed", correlationFrom(ctx), err)
	}
	if err := s.repo.RevokeAndInsert(ctx, &oldID, "Renewed", newRec); err != nil {
		return Bundle{}, apierr.Wrap(apierr.CryptoError, "certificate processing failed", correlationFrom(ctx), err)
	}
	return bundle, nil
}

// Revoke marks the certificate with the given thumbprint as revoked.
func (s *Service) Revoke(ctx context.Context, thumbprint, reason string) error {
	if err := s.repo.RevokeByThumbprint(ctx, thumbprint, reason); err != nil {
		return apierr.Wrap(apierr.CryptoError, "certificate processing failed", correlationFrom(ctx), err)
	}
	return nil
}

// CACertificatePEM returns the CA certificate in PEM format.
func (s *Service) CACertificatePEM() []byte {
	return s.ca.CACertPEM()
}

// packageBundle computes the thumbprint and wraps the issued cert in a
// password-protected export blob, per the enrollment response contract.
func packageBundle(certPEM []byte, serialHex string) (Bundle, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return Bundle{}, fmt.Errorf("issued cert is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Bundle{}, fmt.Errorf("parse issued cert: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	thumbprint := hex.EncodeToString(sum[:])

	password, err := randomPassword()
	if err != nil {
		return Bundle{}, err
	}

	// The node's private key never leaves the node, so there is no key
	// material to export here -- the blob carries only the certificate,
	// AES-GCM sealed under a PBKDF2-derived key so it still requires the
	// one-time password to open.
	blob, err := sealCert(cert.Raw, password)
	if err != nil {
		return Bundle{}, fmt.Errorf("seal export blob: %w", err)
	}

	return Bundle{
		CertPEM:        certPEM,
		ExportBlob:     blob,
		ExportPassword: password,
		Thumbprint:     thumbprint,
		Serial:         serialHex,
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
	}, nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate export password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// sealCert AES-256-GCM encrypts plaintext under a key derived from password
// via PBKDF2, prefixing the output with the salt and nonce needed to open it
// again.
func sealCert(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(password), salt, 100_000, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func correlationFrom(ctx context.Context) string {
	id, _ := tenant.Correlation(ctx)
	return id
}
