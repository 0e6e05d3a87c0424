package nodeagent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func selfSignedCertPEM(t *testing.T, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "node-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestNodeIDFromCNStripsPrefix(t *testing.T) {
	const id = "11111111-1111-1111-1111-111111111111"
	if got := nodeIDFromCN("node-" + id); got != id {
		t.Fatalf("nodeIDFromCN = %q, want %q", got, id)
	}
}

func TestNodeIDFromCNLeavesUnprefixedValueUnchanged(t *testing.T) {
	if got := nodeIDFromCN("not-a-node-cn"); got != "not-a-node-cn" {
		t.Fatalf("nodeIDFromCN = %q, want the input unchanged", got)
	}
}

func TestGenerateKeyPairProducesUsablePKIXPublicKey(t *testing.T) {
	priv, pubDER, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	if priv == nil {
		t.Fatal("expected a non-nil private key")
	}
	if len(pubDER) == 0 {
		t.Fatal("expected non-empty PKIX-encoded public key bytes")
	}
}

func TestEncodeECPrivateKeyProducesPEMBlock(t *testing.T) {
	priv, _, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	pemBytes, err := encodeECPrivateKey(priv)
	if err != nil {
		t.Fatalf("encodeECPrivateKey: %v", err)
	}
	if len(pemBytes) == 0 {
		t.Fatal("expected non-empty PEM bytes")
	}
}

func TestVerifyCertKeyBindingAcceptsMatchingKey(t *testing.T) {
	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signer key: %v", err)
	}
	_, pubDER, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		t.Fatalf("parse pkix public key: %v", err)
	}
	certPEM := selfSignedCertPEM(t, pub.(*ecdsa.PublicKey), signer)

	if err := verifyCertKeyBinding(certPEM, pubDER); err != nil {
		t.Fatalf("verifyCertKeyBinding returned an error for matching keys: %v", err)
	}
}

func TestVerifyCertKeyBindingRejectsMismatchedKey(t *testing.T) {
	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signer key: %v", err)
	}
	certPEM := selfSignedCertPEM(t, &signer.PublicKey, signer)

	_, wantPubDER, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}

	if err := verifyCertKeyBinding(certPEM, wantPubDER); err != ErrCertKeyMismatch {
		t.Fatalf("verifyCertKeyBinding error = %v, want ErrCertKeyMismatch", err)
	}
}

func TestVerifyCertKeyBindingRejectsMalformedPEM(t *testing.T) {
	_, pubDER, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	if err := verifyCertKeyBinding([]byte("not a cert"), pubDER); err == nil {
		t.Fatal("expected an error for malformed PEM input")
	}
}
