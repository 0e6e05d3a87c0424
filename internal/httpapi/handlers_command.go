package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/tenant"
)

// dispatchCommandRequest is the wire shape of POST .../servers/{serverId}/commands.
type dispatchCommandRequest struct {
	NodeID      string          `json:"nodeId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload"`
}

func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	correlationID, _ := tenant.Correlation(r.Context())
	if _, err := pathTenantID(r); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	var req dispatchCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidPayload, "request body is not valid JSON", correlationID))
		return
	}

	operatorID, _ := tenant.Operator(r.Context())
	callerTenant, _ := tenant.Tenant(r.Context())

	envelope := domain.CommandEnvelope{
		CommandID:        uuid.New().String(),
		NodeID:           req.NodeID,
		CommandType:      req.CommandType,
		Payload:          req.Payload,
		CorrelationID:    correlationID,
		IssuerTenantID:   callerTenant,
		IssuerOperatorID: operatorID,
	}

	result := s.deps.Commands.Dispatch(r.Context(), envelope)
	status := http.StatusOK
	if result.Status == domain.CommandRejected {
		status = http.StatusBadRequest
	}
	respond(w, status, result)
}
