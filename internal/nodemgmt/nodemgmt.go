// Package nodemgmt implements the tenant-facing node listing and lifecycle
// operations (maintenance enter/exit, decommission) that sit alongside the
// heartbeat-driven status machine: these transitions are administrator-set,
// never derived from telemetry.
package nodemgmt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/eventbus"
	"github.com/fleetward/control-plane/internal/tenant"
)

// Repo persists and lists node records. The same GetNode/UpdateNode contract
// internal/heartbeat.Repo declares, plus a tenant listing.
type Repo interface {
	GetNode(ctx context.Context, nodeID uuid.UUID) (*domain.Node, error)
	UpdateNode(ctx context.Context, node domain.Node) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]domain.Node, error)
}

// ListFilter narrows ListNodes' result set; zero-value fields are ignored.
type ListFilter struct {
	Status    domain.NodeStatus
	Platform  domain.Platform
	MinHealth float64
	MaxHealth float64
	Tags      []string
	Search    string // case-insensitive substring match against name/displayName
	Limit     int
	Offset    int
}

// ListResult is one page of a tenant's nodes plus the total matching count,
// so a caller can compute pagination without a second query.
type ListResult struct {
	Nodes []domain.Node
	Total int
}

// Service implements the nodes listing and lifecycle endpoints.
type Service struct {
	repo Repo
	bus  *eventbus.Bus
	log  *slog.Logger
}

func NewService(repo Repo, bus *eventbus.Bus, log *slog.Logger) *Service {
	return &Service{repo: repo, bus: bus, log: log.With("component", "nodemgmt")}
}

// ListNodes returns tenantID's nodes matching filter, paginated.
func (s *Service) ListNodes(ctx context.Context, tenantID uuid.UUID, filter ListFilter) (ListResult, error) {
	all, err := s.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return ListResult{}, fmt.Errorf("list nodes: %w", err)
	}

	matched := make([]domain.Node, 0, len(all))
	for _, n := range all {
		if !matchesFilter(n, filter) {
			continue
		}
		matched = append(matched, n)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return ListResult{Nodes: matched[offset:end], Total: total}, nil
}

func matchesFilter(n domain.Node, f ListFilter) bool {
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Platform != "" && n.Platform != f.Platform {
		return false
	}
	if f.MinHealth > 0 && n.HealthScore < f.MinHealth {
		return false
	}
	if f.MaxHealth > 0 && n.HealthScore > f.MaxHealth {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range n.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(n.Name), q) && !strings.Contains(strings.ToLower(n.DisplayName), q) {
			return false
		}
	}
	return true
}

// EnterMaintenance transitions nodeID into Maintenance. AlreadyInMaintenance
// if it's already there; NodeDecommissioned if it's past the terminal state.
func (s *Service) EnterMaintenance(ctx context.Context, nodeID uuid.UUID) error {
	return s.transition(ctx, nodeID, func(n *domain.Node) error {
		correlationID, _ := tenant.Correlation(ctx)
		if n.Status == domain.NodeMaintenance {
			return apierr.New(apierr.AlreadyInMaintenance, "node is already in maintenance", correlationID)
		}
		if n.Status == domain.NodeDecommissioned {
			return apierr.New(apierr.NodeDecommissioned, "node is decommissioned", correlationID)
		}
		n.Status = domain.NodeMaintenance
		return nil
	}, eventbus.EventNodeStateChange, "entered maintenance")
}

// ExitMaintenance transitions nodeID out of Maintenance back to Online.
// NotInMaintenance if it wasn't there.
func (s *Service) ExitMaintenance(ctx context.Context, nodeID uuid.UUID) error {
	return s.transition(ctx, nodeID, func(n *domain.Node) error {
		correlationID, _ := tenant.Correlation(ctx)
		if n.Status != domain.NodeMaintenance {
			return apierr.New(apierr.NotInMaintenance, "node is not in maintenance", correlationID)
		}
		n.Status = domain.NodeOnline
		return nil
	}, eventbus.EventNodeStateChange, "exited maintenance")
}

// Decommission transitions nodeID into its terminal Decommissioned state.
// Idempotent: decommissioning an already-decommissioned node is a no-op
// success, per the wire contract's DELETE semantics.
func (s *Service) Decommission(ctx context.Context, nodeID uuid.UUID) error {
	node, err := s.repo.GetNode(ctx, nodeID)
	if err != nil || node == nil {
		correlationID, _ := tenant.Correlation(ctx)
		return apierr.New(apierr.NodeNotFound, "node not found", correlationID)
	}
	if node.Status == domain.NodeDecommissioned {
		return nil
	}
	node.Status = domain.NodeDecommissioned
	if err := s.repo.UpdateNode(ctx, *node); err != nil {
		return fmt.Errorf("decommission node %s: %w", nodeID, err)
	}

	correlationID, _ := tenant.Correlation(ctx)
	tenantUUID, _ := uuid.Parse(node.TenantID)
	s.bus.Publish(eventbus.Event{
		Type:          eventbus.EventNodeStateChange,
		TenantID:      tenantUUID,
		NodeID:        nodeID,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf("node %s decommissioned", nodeID),
		Timestamp:     time.Now(),
	})
	s.log.Info("node decommissioned", "nodeId", nodeID, "correlationId", correlationID)
	return nil
}

func (s *Service) transition(ctx context.Context, nodeID uuid.UUID, mutate func(*domain.Node) error, evt eventbus.EventType, msg string) error {
	node, err := s.repo.GetNode(ctx, nodeID)
	if err != nil || node == nil {
		correlationID, _ := tenant.Correlation(ctx)
		return apierr.New(apierr.NodeNotFound, "node not found", correlationID)
	}
	if err := mutate(node); err != nil {
		return err
	}
	if err := s.repo.UpdateNode(ctx, *node); err != nil {
		return fmt.Errorf("update node %s: %w", nodeID, err)
	}

	correlationID, _ := tenant.Correlation(ctx)
	tenantUUID, _ := uuid.Parse(node.TenantID)
	s.bus.Publish(eventbus.Event{
		Type:          evt,
		TenantID:      tenantUUID,
		NodeID:        nodeID,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf("node %s %s", nodeID, msg),
		Timestamp:     time.Now(),
	})
	s.log.Info(msg, "nodeId", nodeID, "correlationId", correlationID)
	return nil
}
