// Package credstore implements the node agent's credential store: the
// on-disk home for a node's leaf certificate, private key, and the CA trust
// anchor. Writes are atomic (temp file + rename) so a crash or error never
// leaves a half-written certificate or key on disk, and private key buffers
// are zeroed in memory as soon as they've been written or discarded.
package credstore

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoCertificate is returned when no client certificate has been stored yet.
var ErrNoCertificate = errors.New("credstore: no client certificate stored")

// Handle is a loaded leaf certificate, paired with the raw PEM bytes needed
// to rebuild a tls.Certificate.
type Handle struct {
	CertPEM []byte
	KeyPEM  []byte
	Cert    *x509.Certificate
}

// NeedsRenewal reports whether the certificate expires within thresholdDays.
func (h *Handle) NeedsRenewal(thresholdDays int) bool {
	return time.Now().Add(time.Duration(thresholdDays) * 24 * time.Hour).After(h.Cert.NotAfter)
}

// Store is a file-backed credential store using OS file permissions (key
// 0600, cert 0644) as its access control. An OS-keystore-backed
// implementation (Windows CertStore / macOS Keychain) would satisfy the same
// operations but is not provided here — see DESIGN.md.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create credential store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) certPath() string { return filepath.Join(s.dir, "agent-cert.pem") }
func (s *Store) keyPath() string  { return filepath.Join(s.dir, "agent-key.pem") }
func (s *Store) caPath() string   { return filepath.Join(s.dir, "ca.pem") }

// GetClientCertificate returns the currently stored leaf certificate, or
// ErrNoCertificate if none has been stored.
func (s *Store) GetClientCertificate() (*Handle, error) {
	certPEM, err := os.ReadFile(s.certPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCertificate
		}
		return nil, fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(s.keyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCertificate
		}
		return nil, fmt.Errorf("read key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in stored cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse stored cert: %w", err)
	}

	return &Handle{CertPEM: certPEM, KeyPEM: keyPEM, Cert: cert}, nil
}

// StoreCertificate atomically writes a leaf certificate and its private key.
// privateKeyBytes is zeroed in place once the write completes, whether it
// succeeded or failed, so the caller never retains a live copy of key
// material after calling this method. On any failure the previously stored
// certificate (if any) remains intact and readable.
func (s *Store) StoreCertificate(certPEM []byte, privateKeyBytes []byte) (err error) {
	defer zero(privateKeyBytes)

	oldKey, oldKeyErr := os.ReadFile(s.keyPath())
	defer zero(oldKey)

	if err := atomicWrite(s.keyPath(), privateKeyBytes, 0600); err != nil {
		return fmt.Errorf("store private key: %w", err)
	}
	if err := atomicWrite(s.certPath(), certPEM, 0644); err != nil {
		if oldKeyErr == nil {
			_ = atomicWrite(s.keyPath(), oldKey, 0600)
		}
		return fmt.Errorf("store certificate: %w", err)
	}
	return nil
}

// RemoveCertificate deletes the stored leaf certificate and key, if present.
func (s *Store) RemoveCertificate() error {
	if err := os.Remove(s.certPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cert: %w", err)
	}
	if err := os.Remove(s.keyPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove key: %w", err)
	}
	return nil
}

// GetCaCertificate returns the stored CA trust anchor PEM bytes.
func (s *Store) GetCaCertificate() ([]byte, error) {
	b, err := os.ReadFile(s.caPath())
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	return b, nil
}

// StoreCaCertificate atomically writes the CA trust anchor.
func (s *Store) StoreCaCertificate(caPEM []byte) error {
	if err := atomicWrite(s.caPath(), caPEM, 0644); err != nil {
		return fmt.Errorf("store ca cert: %w", err)
	}
	return nil
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so a concurrent reader never observes a partial
// write and a crash mid-write leaves the original file untouched.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// zero overwrites b with zero bytes in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
