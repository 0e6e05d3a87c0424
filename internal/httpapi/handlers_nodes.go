package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/nodemgmt"
	"github.com/fleetward/control-plane/internal/tenant"
)

// listNodesResponse is the wire shape of GET .../nodes.
type listNodesResponse struct {
	Nodes []domain.Node `json:"nodes"`
	Total int           `json:"total"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathTenantID(r)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	q := r.URL.Query()
	filter := nodemgmt.ListFilter{
		Status:    domain.NodeStatus(q.Get("status")),
		Platform:  domain.Platform(q.Get("platform")),
		Search:    q.Get("search"),
		Limit:     queryInt(q, "limit", 50),
		Offset:    queryInt(q, "offset", 0),
		MinHealth: queryFloat(q, "minHealth", 0),
		MaxHealth: queryFloat(q, "maxHealth", 100),
	}
	if tags, ok := q["tag"]; ok {
		filter.Tags = tags
	}

	res, err := s.deps.Nodes.ListNodes(r.Context(), tenantID, filter)
	if err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	respond(w, http.StatusOK, listNodesResponse{Nodes: res.Nodes, Total: res.Total})
}

func (s *Server) handleEnterMaintenance(w http.ResponseWriter, r *http.Request) {
	s.nodeLifecycleAction(w, r, s.deps.Nodes.EnterMaintenance)
}

func (s *Server) handleExitMaintenance(w http.ResponseWriter, r *http.Request) {
	s.nodeLifecycleAction(w, r, s.deps.Nodes.ExitMaintenance)
}

func (s *Server) handleDecommissionNode(w http.ResponseWriter, r *http.Request) {
	s.nodeLifecycleAction(w, r, s.deps.Nodes.Decommission)
}

// nodeLifecycleAction parses {nodeId}, verifies the caller's tenant owns the
// resource path, invokes action, and responds 204 on success.
func (s *Server) nodeLifecycleAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, nodeID uuid.UUID) error) {
	correlationID, _ := tenant.Correlation(r.Context())
	if _, err := pathTenantID(r); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	nodeID, err := uuid.Parse(chi.URLParam(r, "nodeId"))
	if err != nil {
		respondError(w, r, s.deps.Log, apierr.New(apierr.NodeNotFound, "node not found", correlationID))
		return
	}
	if err := action(r.Context(), nodeID); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

// pathTenantID parses {tenantId} and verifies it matches the authenticated
// operator's own tenant.
func pathTenantID(r *http.Request) (uuid.UUID, error) {
	correlationID, _ := tenant.Correlation(r.Context())
	raw := chi.URLParam(r, "tenantId")
	if !requireTenantMatch(r.Context(), raw) {
		return uuid.Nil, apierr.New(apierr.Unauthorized, "tenant does not own this resource", correlationID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.New(apierr.Unauthorized, "tenant does not own this resource", correlationID)
	}
	return id, nil
}

func queryInt(q map[string][]string, key string, def int) int {
	v := firstOr(q, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryFloat(q map[string][]string, key string, def float64) float64 {
	v := firstOr(q, key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func firstOr(q map[string][]string, key, def string) string {
	vs, ok := q[key]
	if !ok || len(vs) == 0 {
		return def
	}
	return vs[0]
}
