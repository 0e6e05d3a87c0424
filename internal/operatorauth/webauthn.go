package operatorauth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// WebAuthnCredential is a stored passkey credential bound to one operator.
type WebAuthnCredential struct {
	ID              []byte
	PublicKey       []byte
	AttestationType string
	Transport       []string
	SignCount       uint32
	AAGUID          []byte
	OperatorID      string
	Name            string
	CreatedAt       time.Time
}

// WebAuthnCredentialStore persists WebAuthnCredential records.
type WebAuthnCredentialStore interface {
	CreateWebAuthnCredential(cred WebAuthnCredential) error
	ListWebAuthnCredentialsForOperator(operatorID string) ([]WebAuthnCredential, error)
	GetOperatorByWebAuthnHandle(handle []byte) (*Operator, error)
}

func toLibCredentials(creds []WebAuthnCredential) []webauthn.Credential {
	out := make([]webauthn.Credential, len(creds))
	for i, c := range creds {
		var transport []protocol.AuthenticatorTransport
		for _, t := range c.Transport {
			transport = append(transport, protocol.AuthenticatorTransport(t))
		}
		out[i] = webauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       transport,
			Authenticator:   webauthn.Authenticator{AAGUID: c.AAGUID, SignCount: c.SignCount},
		}
	}
	return out
}

func fromLibCredential(cred *webauthn.Credential, operatorID, name string) WebAuthnCredential {
	var transport []string
	for _, t := range cred.Transport {
		transport = append(transport, string(t))
	}
	return WebAuthnCredential{
		ID: cred.ID, PublicKey: cred.PublicKey, AttestationType: cred.AttestationType,
		Transport: transport, SignCount: cred.Authenticator.SignCount, AAGUID: cred.Authenticator.AAGUID,
		OperatorID: operatorID, Name: name, CreatedAt: time.Now().UTC(),
	}
}

// webauthnIdentity adapts Operator plus its stored credentials to the
// webauthn.User interface the library's ceremony functions require.
type webauthnIdentity struct {
	handle []byte
	op     *Operator
	creds  []webauthn.Credential
}

func (w *webauthnIdentity) WebAuthnID() []byte                         { return w.handle }
func (w *webauthnIdentity) WebAuthnName() string                       { return w.op.Username }
func (w *webauthnIdentity) WebAuthnDisplayName() string                { return w.op.Username }
func (w *webauthnIdentity) WebAuthnCredentials() []webauthn.Credential { return w.creds }

// WebAuthnHandle generates a stable, opaque 64-byte random handle for an
// operator's first passkey registration; go-webauthn never accepts a raw
// database ID as the user handle.
func WebAuthnHandle() ([]byte, error) {
	h := make([]byte, 64)
	if _, err := rand.Read(h); err != nil {
		return nil, fmt.Errorf("generate webauthn handle: %w", err)
	}
	return h, nil
}

// BeginPasskeyRegistration starts a registration ceremony for op, excluding
// any credentials it already holds.
func (s *Service) BeginPasskeyRegistration(op *Operator, handle []byte) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	if s.webauthn == nil {
		return nil, nil, ErrWebAuthnNotConfigured
	}
	existing, _ := s.webauthnCreds.ListWebAuthnCredentialsForOperator(op.ID)
	identity := &webauthnIdentity{handle: handle, op: op, creds: toLibCredentials(existing)}

	creation, sessionData, err := s.webauthn.BeginRegistration(identity,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationPreferred,
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("begin webauthn registration: %w", err)
	}
	return creation, sessionData, nil
}

// FinishPasskeyRegistration completes a registration ceremony, persisting
// the new credential under name.
func (s *Service) FinishPasskeyRegistration(op *Operator, handle []byte, sessionData *webauthn.SessionData, response *protocol.ParsedCredentialCreationData, name string) error {
	if s.webauthn == nil {
		return ErrWebAuthnNotConfigured
	}
	existing, _ := s.webauthnCreds.ListWebAuthnCredentialsForOperator(op.ID)
	identity := &webauthnIdentity{handle: handle, op: op, creds: toLibCredentials(existing)}

	cred, err := s.webauthn.CreateCredential(identity, *sessionData, response)
	if err != nil {
		return fmt.Errorf("finish webauthn registration: %w", err)
	}
	return s.webauthnCreds.CreateWebAuthnCredential(fromLibCredential(cred, op.ID, name))
}

// BeginPasskeyLogin starts a discoverable-credential login ceremony; the
// operator is identified from the assertion response itself rather than
// supplied up front.
func (s *Service) BeginPasskeyLogin() (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if s.webauthn == nil {
		return nil, nil, ErrWebAuthnNotConfigured
	}
	assertion, sessionData, err := s.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin webauthn login: %w", err)
	}
	return assertion, sessionData, nil
}

// FinishPasskeyLogin completes a discoverable login ceremony and opens a
// session for the matched operator.
func (s *Service) FinishPasskeyLogin(sessionData *webauthn.SessionData, response *protocol.ParsedCredentialAssertionData, ip, userAgent string) (*Session, error) {
	if s.webauthn == nil {
		return nil, ErrWebAuthnNotConfigured
	}

	_, err := s.webauthn.ValidateDiscoverableLogin(
		func(rawID, handle []byte) (webauthn.User, error) {
			op, err := s.webauthnCreds.GetOperatorByWebAuthnHandle(handle)
			if err != nil || op == nil {
				return nil, ErrInvalidCredentials
			}
			existing, _ := s.webauthnCreds.ListWebAuthnCredentialsForOperator(op.ID)
			return &webauthnIdentity{handle: handle, op: op, creds: toLibCredentials(existing)}, nil
		},
		*sessionData, response,
	)
	if err != nil {
		return nil, fmt.Errorf("validate webauthn login: %w", err)
	}

	identity, err := s.webauthnCreds.GetOperatorByWebAuthnHandle(response.Response.UserHandle)
	if err != nil || identity == nil {
		return nil, ErrInvalidCredentials
	}
	return s.openSession(*identity, ip, userAgent)
}
