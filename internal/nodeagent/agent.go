package nodeagent

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fleetward/control-plane/internal/credstore"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/retry"
)

// Agent is the node agent's main loop: enrollment, heartbeat reporting,
// command poll/execute/result-submit, and certificate renewal.
type Agent struct {
	cfg      Config
	store    *credstore.Store
	executor Executor
	log      *slog.Logger

	mu     sync.RWMutex
	nodeID string
}

// New constructs an Agent rooted at cfg.DataDir. Call Run to start it.
func New(cfg Config, executor Executor, log *slog.Logger) (*Agent, error) {
	store, err := credstore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &Agent{cfg: cfg, store: store, executor: executor, log: log}, nil
}

// Run enrolls the node if necessary, then blocks running the heartbeat and
// command loops until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("node agent starting", "server", a.cfg.ServerAddr, "node", a.cfg.NodeName)

	caPool, err := a.loadCAPool()
	if err != nil {
		return fmt.Errorf("load CA trust anchor: %w", err)
	}

	if err := a.ensureEnrolled(ctx, caPool); err != nil {
		return fmt.Errorf("enrollment: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx, caPool)
	}()
	go func() {
		defer wg.Done()
		a.commandLoop(ctx, caPool)
	}()
	wg.Wait()
	return ctx.Err()
}

// loadCAPool reads the bootstrap trust anchor distributed out of band with
// the enrollment token. The agent never fetches its own trust anchor over
// the wire it is still deciding whether to trust.
func (a *Agent) loadCAPool() (*x509.CertPool, error) {
	if a.cfg.CACertPath == "" {
		return nil, fmt.Errorf("FLEET_AGENT_CA_CERT is required")
	}
	pemBytes, err := os.ReadFile(a.cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates parsed from %s", a.cfg.CACertPath)
	}
	if err := a.store.StoreCaCertificate(pemBytes); err != nil {
		a.log.Warn("failed to cache ca certificate locally", "error", err)
	}
	return pool, nil
}

// ensureEnrolled loads an existing certificate from the credential store, or
// performs one-time enrollment if none is stored yet.
func (a *Agent) ensureEnrolled(ctx context.Context, caPool *x509.CertPool) error {
	handle, err := a.store.GetClientCertificate()
	if err == nil {
		a.setNodeID(nodeIDFromCN(handle.Cert.Subject.CommonName))
		a.log.Info("already enrolled", "nodeId", a.nodeIDLocked())
		return nil
	}
	if err != credstore.ErrNoCertificate {
		return err
	}

	if a.cfg.EnrollToken == "" {
		return fmt.Errorf("no certificate stored and FLEET_AGENT_ENROLL_TOKEN is empty")
	}

	priv, pubDER, err := generateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	c := newClient(a.cfg.ServerAddr, caPool, nil)
	resp, err := c.enroll(ctx, enrollRequest{
		Token:        a.cfg.EnrollToken,
		NodeName:     a.cfg.NodeName,
		Platform:     domain.Platform(a.cfg.Platform),
		PublicKeyB64: base64.StdEncoding.EncodeToString(pubDER),
		AgentVersion: a.cfg.Version,
		Hardware:     collectHardware(ctx),
	})
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}

	if err := verifyCertKeyBinding(resp.CertificatePEM, pubDER); err != nil {
		return fmt.Errorf("enroll: %w", err)
	}

	keyPEM, err := encodeECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	if err := a.store.StoreCertificate(resp.CertificatePEM, keyPEM); err != nil {
		return fmt.Errorf("store issued certificate: %w", err)
	}

	a.setNodeID(resp.NodeID)
	a.log.Info("enrollment complete", "nodeId", resp.NodeID, "thumbprint", resp.Thumbprint)
	return nil
}

func (a *Agent) setNodeID(id string) {
	a.mu.Lock()
	a.nodeID = id
	a.mu.Unlock()
}

func (a *Agent) nodeIDLocked() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodeID
}

// authenticatedClient builds a client presenting the currently stored leaf
// certificate. Called fresh before every round trip so a renewal that
// happened moments ago is picked up without a restart.
func (a *Agent) authenticatedClient(caPool *x509.CertPool) (*client, error) {
	handle, err := a.store.GetClientCertificate()
	if err != nil {
		return nil, fmt.Errorf("load stored certificate: %w", err)
	}
	leaf, err := tls.X509KeyPair(handle.CertPEM, handle.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("build tls certificate: %w", err)
	}
	return newClient(a.cfg.ServerAddr, caPool, &leaf), nil
}

// heartbeatLoop posts periodic health reports and renews the leaf
// certificate when it nears expiry. A failed round trip logs and retries on
// the next tick rather than tearing down the agent.
func (a *Agent) heartbeatLoop(ctx context.Context, caPool *x509.CertPool) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx, caPool); err != nil {
				a.log.Warn("heartbeat failed", "error", err)
			}
			if err := a.renewIfNeeded(ctx, caPool); err != nil {
				a.log.Warn("certificate renewal check failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context, caPool *x509.CertPool) error {
	c, err := a.authenticatedClient(caPool)
	if err != nil {
		return err
	}
	payload := domain.HeartbeatPayload{
		NodeID:         a.nodeIDLocked(),
		AgentVersion:   a.cfg.Version,
		WallTime:       time.Now(),
		DeclaredStatus: domain.NodeOnline,
		Metrics:        collectMetrics(ctx),
	}
	return retry.Do(ctx, 3, func(ctx context.Context) error {
		return c.postHeartbeat(ctx, a.nodeIDLocked(), payload)
	})
}

func (a *Agent) renewIfNeeded(ctx context.Context, caPool *x509.CertPool) error {
	handle, err := a.store.GetClientCertificate()
	if err != nil {
		return err
	}
	if !handle.NeedsRenewal(a.cfg.RenewalThresholdDays) {
		return nil
	}

	a.log.Info("certificate nearing expiry, renewing", "notAfter", handle.Cert.NotAfter)
	priv, pubDER, err := generateKeyPair()
	if err != nil {
		return fmt.Errorf("generate renewal key pair: %w", err)
	}

	c, err := a.authenticatedClient(caPool)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(handle.Cert.Raw)
	thumbprint := hex.EncodeToString(sum[:])
	resp, err := c.renewCertificate(ctx, a.nodeIDLocked(), renewCertificateRequest{
		PresentedThumbprint: thumbprint,
		NewPublicKeyB64:     base64.StdEncoding.EncodeToString(pubDER),
	})
	if err != nil {
		return fmt.Errorf("renew certificate: %w", err)
	}

	if err := verifyCertKeyBinding(resp.CertificatePEM, pubDER); err != nil {
		return fmt.Errorf("renew: %w", err)
	}

	keyPEM, err := encodeECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("encode renewed private key: %w", err)
	}
	if err := a.store.StoreCertificate(resp.CertificatePEM, keyPEM); err != nil {
		return fmt.Errorf("store renewed certificate: %w", err)
	}
	a.log.Info("certificate renewed", "thumbprint", resp.Thumbprint)
	return nil
}

// commandLoop polls for queued commands and executes each one, posting its
// terminal result back before moving to the next poll.
func (a *Agent) commandLoop(ctx context.Context, caPool *x509.CertPool) {
	ticker := time.NewTicker(a.cfg.CommandPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.pollAndExecute(ctx, caPool); err != nil {
				a.log.Warn("command poll failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) pollAndExecute(ctx context.Context, caPool *x509.CertPool) error {
	c, err := a.authenticatedClient(caPool)
	if err != nil {
		return err
	}
	envelopes, err := c.pollCommands(ctx, a.nodeIDLocked())
	if err != nil {
		return err
	}
	for _, envelope := range envelopes {
		result := a.executor.Execute(ctx, envelope)
		if err := c.submitCommandResult(ctx, a.nodeIDLocked(), result); err != nil {
			a.log.Error("failed to submit command result", "commandId", envelope.CommandID, "error", err)
		}
	}
	return nil
}

// generateKeyPair creates a fresh ECDSA P-256 key pair for enrollment or
// renewal, returning the private key and the PKIX DER encoding of its public
// half (the wire shape POST /enroll and the renewal endpoint expect).
func generateKeyPair() (*ecdsa.PrivateKey, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return priv, pubDER, nil
}

// ErrCertKeyMismatch is returned when a certificate handed back by the
// control plane is not bound to the public key the agent submitted. A
// malicious or compromised server could otherwise bind the agent's identity
// to a key it never generated; the caller must discard the certificate
// rather than persist it.
var ErrCertKeyMismatch = fmt.Errorf("issued certificate is not bound to the submitted public key")

// verifyCertKeyBinding parses certPEM and compares its embedded public key,
// byte-for-byte, against the PKIX-encoded public key the agent generated
// locally and submitted for enrollment or renewal.
func verifyCertKeyBinding(certPEM []byte, wantPubDER []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("no PEM block in issued certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse issued certificate: %w", err)
	}
	gotPubDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal issued certificate public key: %w", err)
	}
	if !bytes.Equal(gotPubDER, wantPubDER) {
		return ErrCertKeyMismatch
	}
	return nil
}

func encodeECPrivateKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// nodeIDFromCN extracts the node UUID from a "node-{uuid}" certificate
// common name, matching internal/httpapi's requireNodeCert parsing.
func nodeIDFromCN(cn string) string {
	return strings.TrimPrefix(cn, "node-")
}
