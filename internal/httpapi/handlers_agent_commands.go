package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/tenant"
)

// pollCommandsResponse is what an agent's poll loop receives: every
// envelope queued for it since its last poll, oldest first.
type pollCommandsResponse struct {
	Commands []domain.CommandEnvelope `json:"commands"`
}

// handlePollCommands drains the caller's queued envelopes. Agents call this
// on a short interval alongside (or piggybacked on) their heartbeat.
func (s *Server) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	callerNodeID, err := callerNodeIDFromContext(r)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	envs := s.deps.NodeQueue.Drain(callerNodeID.String())
	if envs == nil {
		envs = []domain.CommandEnvelope{}
	}
	respond(w, http.StatusOK, pollCommandsResponse{Commands: envs})
}

type submitCommandResultRequest struct {
	Status       domain.CommandStatus `json:"status"`
	ErrorCode    string               `json:"errorCode,omitempty"`
	ErrorMessage string               `json:"errorMessage,omitempty"`
}

// handleSubmitCommandResult delivers an agent's terminal result for a
// command back to the dispatcher handler still blocked waiting on it.
func (s *Server) handleSubmitCommandResult(w http.ResponseWriter, r *http.Request) {
	correlationID, _ := tenant.Correlation(r.Context())

	callerNodeID, err := callerNodeIDFromContext(r)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	commandID := chi.URLParam(r, "commandId")

	var req submitCommandResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, s.deps.Log, apierr.New(apierr.InvalidPayload, "request body is not valid JSON", correlationID))
		return
	}

	result := domain.CommandResult{
		CommandID:     commandID,
		NodeID:        callerNodeID.String(),
		Status:        req.Status,
		ErrorCode:     req.ErrorCode,
		ErrorMessage:  req.ErrorMessage,
		CorrelationID: correlationID,
	}

	if !s.deps.NodeQueue.Resolve(result) {
		respondError(w, r, s.deps.Log, apierr.New(apierr.CommandNotFound, "no command is awaiting this result", correlationID))
		return
	}
	respond(w, http.StatusNoContent, nil)
}
