package httpapi

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/enrollment"
	"github.com/fleetward/control-plane/internal/tenant"
)

// enrollRequest is the wire shape of POST /enroll.
type enrollRequest struct {
	Token        string          `json:"token"`
	NodeName     string          `json:"nodeName"`
	Platform     domain.Platform `json:"platform"`
	PublicKeyB64 string          `json:"publicKey"` // base64 DER, PKIX SubjectPublicKeyInfo
	AgentVersion string          `json:"agentVersion"`
	Hardware     domain.Hardware `json:"hardware"`
}

// enrollResponse is the wire shape of a successful enrollment.
type enrollResponse struct {
	NodeID         string `json:"nodeId"`
	CertificatePEM []byte `json:"certificatePem"`
	ExportBlob     []byte `json:"exportBlob"`
	ExportPassword string `json:"exportPassword"`
	Thumbprint     string `json:"thumbprint"`
	Serial         string `json:"serial"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		correlationID, _ := tenant.Correlation(r.Context())
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidPayload, "request body is not valid JSON", correlationID))
		return
	}

	pub, err := decodePublicKey(req.PublicKeyB64)
	if err != nil {
		correlationID, _ := tenant.Correlation(r.Context())
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidCertificate, "publicKey is not a valid base64-encoded DER public key", correlationID))
		return
	}

	resp, err := s.deps.Enrollment.Enroll(r.Context(), enrollment.Request{
		TokenPlaintext: req.Token,
		NodeName:       req.NodeName,
		Platform:       req.Platform,
		PublicKey:      pub,
		AgentVersion:   req.AgentVersion,
		Hardware:       req.Hardware,
		ArrivedOverTLS: r.TLS != nil,
	})
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	respond(w, http.StatusCreated, enrollResponse{
		NodeID:         resp.NodeID.String(),
		CertificatePEM: resp.Bundle.CertPEM,
		ExportBlob:     resp.Bundle.ExportBlob,
		ExportPassword: resp.Bundle.ExportPassword,
		Thumbprint:     resp.Bundle.Thumbprint,
		Serial:         resp.Bundle.Serial,
	})
}

func decodePublicKey(b64 string) (crypto.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return x509.ParsePKIXPublicKey(der)
}
