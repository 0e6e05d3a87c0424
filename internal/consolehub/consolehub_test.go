package consolehub

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fleetward/control-plane/internal/command"
	"github.com/fleetward/control-plane/internal/consolehistory"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/eventbus"
	"github.com/fleetward/control-plane/internal/sessionregistry"
	"github.com/fleetward/control-plane/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeColdRepo struct{}

func (f *fakeColdRepo) InsertBatch(context.Context, []domain.ConsoleLine) error { return nil }
func (f *fakeColdRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeColdRepo) Search(context.Context, consolehistory.SearchParams) ([]domain.ConsoleLine, error) {
	return nil, nil
}

type fakeServerLookup struct {
	tenantID string
	nodeID   string
	err      error
}

func (f *fakeServerLookup) ServerInfo(context.Context, string) (string, string, error) {
	return f.tenantID, f.nodeID, f.err
}

type fakeCommandRepo struct {
	mu      sync.Mutex
	results map[string]domain.CommandResult
}

func newFakeCommandRepo() *fakeCommandRepo {
	return &fakeCommandRepo{results: make(map[string]domain.CommandResult)}
}

func (r *fakeCommandRepo) RecentResult(_ context.Context, commandID string, _ time.Duration) (*domain.CommandResult, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[commandID]
	if !ok {
		return nil, false, nil
	}
	cp := res
	return &cp, true, nil
}

func (r *fakeCommandRepo) SaveResult(_ context.Context, result domain.CommandResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.CommandID] = result
	return nil
}

func (r *fakeCommandRepo) WriteAudit(context.Context, domain.AuditRecord) error { return nil }

type recordingAuditWriter struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (a *recordingAuditWriter) WriteAudit(_ context.Context, rec domain.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAuditWriter) snapshot() []domain.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditRecord{}, a.records...)
}

func newTestHub(t *testing.T, servers *fakeServerLookup, audit AuditWriter, cfg Config) (*Hub, *command.Dispatcher) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	registry := sessionregistry.NewRedisStore(redisClient, time.Minute)
	history := consolehistory.NewStore(redisClient, &fakeColdRepo{}, testLogger())
	dispatcher := command.NewDispatcher(newFakeCommandRepo(), eventbus.New(), testLogger())
	hub := NewHub(registry, history, dispatcher, servers, audit, testLogger(), cfg)
	return hub, dispatcher
}

func ctxFor(tenantID, operatorID string) context.Context {
	ctx := tenant.WithTenant(context.Background(), tenantID)
	ctx = tenant.WithOperator(ctx, operatorID)
	return tenant.WithCorrelation(ctx, "corr-1")
}

func TestJoinServerRejectsTenantMismatch(t *testing.T) {
	servers := &fakeServerLookup{tenantID: "tenant-a"}
	audit := &recordingAuditWriter{}
	hub, _ := newTestHub(t, servers, audit, DefaultConfig())

	hub.Register("conn-1")
	ctx := ctxFor("tenant-b", "op-1")

	if err := hub.JoinServer(ctx, "conn-1", "srv-1"); err == nil {
		t.Fatal("expected tenant mismatch error, got nil")
	}
}

func TestJoinServerRepliesWithRecentHistory(t *testing.T) {
	servers := &fakeServerLookup{tenantID: "tenant-a"}
	audit := &recordingAuditWriter{}
	hub, _ := newTestHub(t, servers, audit, DefaultConfig())

	out := hub.Register("conn-1")
	ctx := ctxFor("tenant-a", "op-1")

	if err := hub.history.Append(context.Background(), "srv-1", "tenant-a", []domain.ConsoleLine{
		{ServerID: "srv-1", Type: domain.ConsoleStdOut, Seq: 0, Timestamp: time.Now(), Content: "boot"},
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if err := hub.JoinServer(ctx, "conn-1", "srv-1"); err != nil {
		t.Fatalf("JoinServer() error = %v", err)
	}

	select {
	case msg := <-out:
		if msg.Type != EventConsoleHistory {
			t.Errorf("message type = %s, want %s", msg.Type, EventConsoleHistory)
		}
		if len(msg.Lines) != 1 || msg.Lines[0].Content != "boot" {
			t.Errorf("unexpected history payload: %+v", msg.Lines)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for history reply")
	}
}

func TestSendCommandBlocksOversizedCommand(t *testing.T) {
	servers := &fakeServerLookup{tenantID: "tenant-a", nodeID: "node-1"}
	audit := &recordingAuditWriter{}
	cfg := DefaultConfig()
	cfg.MaxCommandLength = 4
	hub, _ := newTestHub(t, servers, audit, cfg)

	out := hub.Register("conn-1")
	ctx := ctxFor("tenant-a", "op-1")
	_ = hub.JoinServer(ctx, "conn-1", "srv-1")
	<-out // drain the ConsoleHistory reply from JoinServer

	if err := hub.SendCommand(ctx, "conn-1", "srv-1", []byte("too long")); err == nil {
		t.Fatal("expected oversized command to be blocked")
	}

	records := audit.snapshot()
	if len(records) != 1 || records[0].Outcome != domain.AuditDenied {
		t.Fatalf("expected one denied audit record, got %+v", records)
	}

	select {
	case msg := <-out:
		if msg.Type != EventError {
			t.Errorf("message type = %s, want %s", msg.Type, EventError)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error reply")
	}
}

func TestSendCommandBlocksDangerousPattern(t *testing.T) {
	servers := &fakeServerLookup{tenantID: "tenant-a", nodeID: "node-1"}
	audit := &recordingAuditWriter{}
	cfg := DefaultConfig()
	cfg.DangerousPatterns = []*regexp.Regexp{regexp.MustCompile(`(?i)rm\s+-rf`)}
	hub, _ := newTestHub(t, servers, audit, cfg)

	hub.Register("conn-1")
	ctx := ctxFor("tenant-a", "op-1")
	_ = hub.JoinServer(ctx, "conn-1", "srv-1")

	if err := hub.SendCommand(ctx, "conn-1", "srv-1", []byte("rm -rf /")); err == nil {
		t.Fatal("expected dangerous-pattern command to be blocked")
	}
}

func TestSendCommandDispatchesSanitizedCommand(t *testing.T) {
	servers := &fakeServerLookup{tenantID: "tenant-a", nodeID: "node-1"}
	audit := &recordingAuditWriter{}
	hub, dispatcher := newTestHub(t, servers, audit, DefaultConfig())
	dispatcher.RegisterHandler(consoleCommandType, func(_ context.Context, envelope domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{CommandID: envelope.CommandID, NodeID: envelope.NodeID, Status: domain.CommandSucceeded}, nil
	})

	out := hub.Register("conn-1")
	ctx := ctxFor("tenant-a", "op-1")
	_ = hub.JoinServer(ctx, "conn-1", "srv-1")
	<-out

	if err := hub.SendCommand(ctx, "conn-1", "srv-1", []byte("say hello")); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	select {
	case msg := <-out:
		if msg.Type != EventCommandResult {
			t.Fatalf("message type = %s, want %s", msg.Type, EventCommandResult)
		}
		if msg.Result == nil || msg.Result.Status != domain.CommandSucceeded {
			t.Errorf("unexpected result: %+v", msg.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command result")
	}
}

func TestMulticastLocalDeliversOnlyToJoinedConnections(t *testing.T) {
	servers := &fakeServerLookup{tenantID: "tenant-a"}
	audit := &recordingAuditWriter{}
	hub, _ := newTestHub(t, servers, audit, DefaultConfig())

	out1 := hub.Register("conn-1")
	out2 := hub.Register("conn-2")
	ctx := ctxFor("tenant-a", "op-1")
	_ = hub.JoinServer(ctx, "conn-1", "srv-1")
	<-out1

	lines := []domain.ConsoleLine{{ServerID: "srv-1", Seq: 0, Content: "hi"}}
	hub.MulticastLocal("srv-1", lines)

	select {
	case msg := <-out1:
		if len(msg.Lines) != 1 {
			t.Errorf("expected 1 line, got %d", len(msg.Lines))
		}
	case <-time.After(time.Second):
		t.Fatal("conn-1 did not receive the multicast")
	}

	select {
	case <-out2:
		t.Fatal("conn-2 should not have received a message for a server it never joined")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberQueueDropsOldestAndMarksLossy(t *testing.T) {
	sub := newSubscriber("conn-1", 2)
	sub.send(OutboundMessage{Type: EventConsoleOutput, ServerID: "a"})
	sub.send(OutboundMessage{Type: EventConsoleOutput, ServerID: "b"})
	sub.send(OutboundMessage{Type: EventConsoleOutput, ServerID: "c"})

	first := <-sub.out
	if first.ServerID != "b" {
		t.Errorf("expected the oldest message (a) to be dropped, got %s first", first.ServerID)
	}
	if first.Lossy {
		t.Error("message b was already queued before the drop and should not be retroactively marked lossy")
	}

	second := <-sub.out
	if second.ServerID != "c" {
		t.Fatalf("expected c next, got %s", second.ServerID)
	}
	if !second.Lossy {
		t.Error("expected c, sent after the drop, to carry the lossy flag")
	}
}

func TestPingRepliesWithPong(t *testing.T) {
	servers := &fakeServerLookup{tenantID: "tenant-a"}
	audit := &recordingAuditWriter{}
	hub, _ := newTestHub(t, servers, audit, DefaultConfig())

	out := hub.Register("conn-1")
	if err := hub.Ping("conn-1"); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	select {
	case msg := <-out:
		if msg.Type != EventPong {
			t.Errorf("message type = %s, want %s", msg.Type, EventPong)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestUnregisterClosesQueueAndClearsRegistry(t *testing.T) {
	servers := &fakeServerLookup{tenantID: "tenant-a"}
	audit := &recordingAuditWriter{}
	hub, _ := newTestHub(t, servers, audit, DefaultConfig())

	out := hub.Register("conn-1")
	ctx := ctxFor("tenant-a", "op-1")
	_ = hub.JoinServer(ctx, "conn-1", "srv-1")
	<-out

	if err := hub.Unregister(ctx, "conn-1"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}

	if _, ok := <-out; ok {
		t.Error("expected outbound queue to be closed after Unregister")
	}

	servers2, err := hub.registry.GetServerConnections(ctx, "srv-1")
	if err != nil {
		t.Fatalf("GetServerConnections() error = %v", err)
	}
	if len(servers2) != 0 {
		t.Errorf("expected no remaining members, got %v", servers2)
	}
}
