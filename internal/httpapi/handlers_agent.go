package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/tenant"
)

func (s *Server) handleCACertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.deps.Certs.CACertificatePEM())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	correlationID, _ := tenant.Correlation(r.Context())

	callerNodeID, err := callerNodeIDFromContext(r)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	var payload domain.HeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidPayload, "request body is not valid JSON", correlationID))
		return
	}

	if err := s.deps.Heartbeat.Process(r.Context(), callerNodeID, payload); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	respond(w, http.StatusAccepted, nil)
}

// renewCertificateRequest is the wire shape of a certificate renewal.
type renewCertificateRequest struct {
	PresentedThumbprint string `json:"presentedThumbprint"`
	NewPublicKeyB64     string `json:"newPublicKey"`
}

func (s *Server) handleRenewCertificate(w http.ResponseWriter, r *http.Request) {
	correlationID, _ := tenant.Correlation(r.Context())

	callerNodeID, err := callerNodeIDFromContext(r)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	pathNodeID, err := uuid.Parse(chi.URLParam(r, "nodeId"))
	if err != nil || pathNodeID != callerNodeID {
		respondError(w, r, s.deps.Log, apierr.New(apierr.CertInvalidNodeID, "node id in path does not match the presenting certificate", correlationID))
		return
	}

	var req renewCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidPayload, "request body is not valid JSON", correlationID))
		return
	}

	newPub, err := decodePublicKey(req.NewPublicKeyB64)
	if err != nil {
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidCertificate, "newPublicKey is not a valid base64-encoded DER public key", correlationID))
		return
	}

	bundle, err := s.deps.Enrollment.RenewCertificate(r.Context(), callerNodeID, req.PresentedThumbprint, newPub)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	respond(w, http.StatusOK, enrollResponse{
		NodeID:         callerNodeID.String(),
		CertificatePEM: bundle.CertPEM,
		ExportBlob:     bundle.ExportBlob,
		ExportPassword: bundle.ExportPassword,
		Thumbprint:     bundle.Thumbprint,
		Serial:         bundle.Serial,
	})
}

// callerNodeIDFromContext parses the node UUID stamped by requireNodeCert.
func callerNodeIDFromContext(r *http.Request) (uuid.UUID, error) {
	correlationID, _ := tenant.Correlation(r.Context())
	raw, ok := tenant.Node(r.Context())
	if !ok {
		return uuid.Nil, apierr.New(apierr.CertMissingCN, "client certificate required", correlationID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.New(apierr.CertInvalidCNFormat, "client certificate CN is not a valid node identity", correlationID)
	}
	return id, nil
}
