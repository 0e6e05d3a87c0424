package nodemgmt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/eventbus"
)

type fakeRepo struct {
	mu    sync.Mutex
	nodes map[string]domain.Node
}

func newFakeRepo(nodes ...domain.Node) *fakeRepo {
	r := &fakeRepo{nodes: make(map[string]domain.Node)}
	for _, n := range nodes {
		r.nodes[n.ID] = n
	}
	return r
}

func (r *fakeRepo) GetNode(_ context.Context, nodeID uuid.UUID) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID.String()]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := n
	return &cp, nil
}

func (r *fakeRepo) UpdateNode(_ context.Context, node domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.ID] = node
	return nil
}

func (r *fakeRepo) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Node
	for _, n := range r.nodes {
		if n.TenantID == tenantID.String() {
			out = append(out, n)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseNode(tenantID uuid.UUID) domain.Node {
	return domain.Node{
		ID:        uuid.New().String(),
		TenantID:  tenantID.String(),
		Name:      "node-1",
		Platform:  domain.PlatformLinux,
		Status:    domain.NodeOnline,
		CreatedAt: time.Now(),
	}
}

func TestListNodesFiltersByStatusAndPaginates(t *testing.T) {
	tenantID := uuid.New()
	online := baseNode(tenantID)
	maint := baseNode(tenantID)
	maint.Status = domain.NodeMaintenance
	otherTenant := baseNode(uuid.New())

	repo := newFakeRepo(online, maint, otherTenant)
	svc := NewService(repo, eventbus.New(), testLogger())

	res, err := svc.ListNodes(context.Background(), tenantID, ListFilter{Status: domain.NodeOnline})
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if res.Total != 1 || len(res.Nodes) != 1 || res.Nodes[0].ID != online.ID {
		t.Fatalf("expected only the online node for this tenant, got %+v", res)
	}
}

func TestListNodesSearchMatchesNameSubstring(t *testing.T) {
	tenantID := uuid.New()
	n := baseNode(tenantID)
	n.Name = "shard-prod-03"
	repo := newFakeRepo(n)
	svc := NewService(repo, eventbus.New(), testLogger())

	res, err := svc.ListNodes(context.Background(), tenantID, ListFilter{Search: "prod"})
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(res.Nodes) != 1 {
		t.Fatalf("expected a substring match, got %+v", res.Nodes)
	}

	res, err = svc.ListNodes(context.Background(), tenantID, ListFilter{Search: "staging"})
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(res.Nodes) != 0 {
		t.Fatalf("expected no match, got %+v", res.Nodes)
	}
}

func TestEnterMaintenanceRejectsAlreadyInMaintenance(t *testing.T) {
	tenantID := uuid.New()
	n := baseNode(tenantID)
	n.Status = domain.NodeMaintenance
	repo := newFakeRepo(n)
	svc := NewService(repo, eventbus.New(), testLogger())

	err := svc.EnterMaintenance(context.Background(), uuid.MustParse(n.ID))
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.AlreadyInMaintenance {
		t.Fatalf("expected AlreadyInMaintenance, got %v", err)
	}
}

func TestEnterAndExitMaintenanceRoundTrips(t *testing.T) {
	tenantID := uuid.New()
	n := baseNode(tenantID)
	repo := newFakeRepo(n)
	svc := NewService(repo, eventbus.New(), testLogger())
	nodeID := uuid.MustParse(n.ID)

	if err := svc.EnterMaintenance(context.Background(), nodeID); err != nil {
		t.Fatalf("enter maintenance: %v", err)
	}
	got, _ := repo.GetNode(context.Background(), nodeID)
	if got.Status != domain.NodeMaintenance {
		t.Fatalf("expected Maintenance, got %v", got.Status)
	}

	if err := svc.ExitMaintenance(context.Background(), nodeID); err != nil {
		t.Fatalf("exit maintenance: %v", err)
	}
	got, _ = repo.GetNode(context.Background(), nodeID)
	if got.Status != domain.NodeOnline {
		t.Fatalf("expected Online after exiting maintenance, got %v", got.Status)
	}
}

func TestExitMaintenanceRejectsWhenNotInMaintenance(t *testing.T) {
	tenantID := uuid.New()
	n := baseNode(tenantID)
	repo := newFakeRepo(n)
	svc := NewService(repo, eventbus.New(), testLogger())

	err := svc.ExitMaintenance(context.Background(), uuid.MustParse(n.ID))
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.NotInMaintenance {
		t.Fatalf("expected NotInMaintenance, got %v", err)
	}
}

func TestDecommissionIsIdempotent(t *testing.T) {
	tenantID := uuid.New()
	n := baseNode(tenantID)
	repo := newFakeRepo(n)
	svc := NewService(repo, eventbus.New(), testLogger())
	nodeID := uuid.MustParse(n.ID)

	if err := svc.Decommission(context.Background(), nodeID); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	got, _ := repo.GetNode(context.Background(), nodeID)
	if got.Status != domain.NodeDecommissioned {
		t.Fatalf("expected Decommissioned, got %v", got.Status)
	}

	// Calling again must be a no-op success, not an error.
	if err := svc.Decommission(context.Background(), nodeID); err != nil {
		t.Fatalf("expected idempotent decommission to succeed, got %v", err)
	}
}

func TestDecommissionUnknownNodeReturnsNodeNotFound(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, eventbus.New(), testLogger())

	err := svc.Decommission(context.Background(), uuid.New())
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierr.NodeNotFound {
		t.Fatalf("expected NodeNotFound, got %v", err)
	}
}
