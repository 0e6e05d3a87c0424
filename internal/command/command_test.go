package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/eventbus"
	"github.com/google/uuid"
)

type fakeRepo struct {
	mu      sync.Mutex
	results map[string]domain.CommandResult
	audits  []domain.AuditRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{results: make(map[string]domain.CommandResult)}
}

func (r *fakeRepo) RecentResult(_ context.Context, commandID string, within time.Duration) (*domain.CommandResult, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[commandID]
	if !ok {
		return nil, false, nil
	}
	if time.Since(res.CompletedAt) > within {
		return nil, false, nil
	}
	cp := res
	return &cp, true, nil
}

func (r *fakeRepo) SaveResult(_ context.Context, result domain.CommandResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.CommandID] = result
	return nil
}

func (r *fakeRepo) WriteAudit(_ context.Context, rec domain.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, rec)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnvelope(commandType string, payload string) domain.CommandEnvelope {
	return domain.CommandEnvelope{
		CommandID:   uuid.New().String(),
		NodeID:      uuid.New().String(),
		CommandType: commandType,
		Payload:     []byte(payload),
	}
}

func TestDispatchHappyPath(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("restart-server", func(_ context.Context, envelope domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{CommandID: envelope.CommandID, NodeID: envelope.NodeID, Status: domain.CommandSucceeded}, nil
	})

	envelope := newEnvelope("restart-server", `{"serverId":"srv-1"}`)
	result := d.Dispatch(context.Background(), envelope)
	if result.Status != domain.CommandSucceeded {
		t.Errorf("Status = %s, want Succeeded", result.Status)
	}
	if len(repo.audits) != 1 || repo.audits[0].Outcome != domain.AuditSuccess {
		t.Errorf("expected one Success audit record, got %+v", repo.audits)
	}
}

func TestDispatchRejectsMissingNodeID(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("noop", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{CommandID: e.CommandID, Status: domain.CommandSucceeded}, nil
	})

	envelope := newEnvelope("noop", `{}`)
	envelope.NodeID = ""
	result := d.Dispatch(context.Background(), envelope)
	if result.Status != domain.CommandRejected || result.ErrorCode != string(apierr.NotEnrolled) {
		t.Errorf("expected Rejected/NotEnrolled, got %+v", result)
	}
	if repo.audits[0].Outcome != domain.AuditDenied {
		t.Errorf("expected Denied audit outcome, got %s", repo.audits[0].Outcome)
	}
}

func TestDispatchUsesBoundNodeIDFallback(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("noop", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{CommandID: e.CommandID, Status: domain.CommandSucceeded}, nil
	})
	bound := d.WithBoundNodeID(uuid.New().String())

	envelope := newEnvelope("noop", `{}`)
	envelope.NodeID = ""
	result := bound.Dispatch(context.Background(), envelope)
	if result.Status != domain.CommandSucceeded {
		t.Errorf("expected bound node id to satisfy validation, got %+v", result)
	}
}

func TestDispatchRejectsUnknownCommandType(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())

	envelope := newEnvelope("does-not-exist", `{}`)
	result := d.Dispatch(context.Background(), envelope)
	if result.ErrorCode != string(apierr.UnknownCommandType) {
		t.Errorf("ErrorCode = %s, want UnknownCommandType", result.ErrorCode)
	}
}

func TestDispatchRejectsOversizedPayload(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("noop", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{CommandID: e.CommandID, Status: domain.CommandSucceeded}, nil
	})

	oversized := make([]byte, domain.MaxPayloadBytes+1)
	for i := range oversized {
		oversized[i] = 'a'
	}
	envelope := newEnvelope("noop", "")
	envelope.Payload = append([]byte(`"`), append(oversized, '"')...)
	result := d.Dispatch(context.Background(), envelope)
	if result.ErrorCode != string(apierr.PayloadTooLarge) {
		t.Errorf("ErrorCode = %s, want PayloadTooLarge", result.ErrorCode)
	}
}

func TestDispatchRejectsExcessiveDepth(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("noop", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{CommandID: e.CommandID, Status: domain.CommandSucceeded}, nil
	})

	payload := "1"
	for i := 0; i < domain.MaxPayloadDepth+1; i++ {
		payload = "[" + payload + "]"
	}
	envelope := newEnvelope("noop", payload)
	result := d.Dispatch(context.Background(), envelope)
	if result.ErrorCode != string(apierr.PayloadTooDeep) {
		t.Errorf("ErrorCode = %s, want PayloadTooDeep", result.ErrorCode)
	}
}

func TestDispatchRejectsNullPayload(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("noop", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{CommandID: e.CommandID, Status: domain.CommandSucceeded}, nil
	})

	envelope := newEnvelope("noop", "null")
	result := d.Dispatch(context.Background(), envelope)
	if result.ErrorCode != string(apierr.NullPayload) {
		t.Errorf("ErrorCode = %s, want NullPayload", result.ErrorCode)
	}
}

func TestDispatchReplaysStoredResultVerbatim(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	calls := 0
	d.RegisterHandler("restart-server", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		calls++
		return domain.CommandResult{CommandID: e.CommandID, NodeID: e.NodeID, Status: domain.CommandSucceeded}, nil
	})

	envelope := newEnvelope("restart-server", `{}`)
	first := d.Dispatch(context.Background(), envelope)
	second := d.Dispatch(context.Background(), envelope)

	if calls != 1 {
		t.Errorf("handler invoked %d times, want 1 (second dispatch should replay)", calls)
	}
	if second.Status != domain.CommandSucceeded || second.CommandID != first.CommandID {
		t.Errorf("replayed result = %+v, want verbatim copy of %+v", second, first)
	}
	if repo.audits[len(repo.audits)-1].Detail != "replay" {
		t.Errorf("expected replay audit detail, got %q", repo.audits[len(repo.audits)-1].Detail)
	}
}

func TestDispatchHandlerErrorYieldsFailedStatus(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("broken", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{}, errors.New("boom")
	})

	envelope := newEnvelope("broken", `{}`)
	result := d.Dispatch(context.Background(), envelope)
	if result.Status != domain.CommandFailed || result.ErrorCode != string(apierr.ExecutionException) {
		t.Errorf("expected Failed/ExecutionException, got %+v", result)
	}
}

func TestDispatchHandlerPanicYieldsFailedStatus(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("panics", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		panic("unexpected")
	})

	envelope := newEnvelope("panics", `{}`)
	result := d.Dispatch(context.Background(), envelope)
	if result.Status != domain.CommandFailed || result.ErrorCode != string(apierr.ExecutionException) {
		t.Errorf("expected a panic to be recovered as Failed/ExecutionException, got %+v", result)
	}
}

func TestDispatchCancelledContextYieldsCancelledStatus(t *testing.T) {
	repo := newFakeRepo()
	d := NewDispatcher(repo, eventbus.New(), testLogger())
	d.RegisterHandler("slow", func(ctx context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		<-ctx.Done()
		return domain.CommandResult{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	envelope := newEnvelope("slow", `{}`)
	result := d.Dispatch(ctx, envelope)
	if result.Status != domain.CommandCancelled {
		t.Errorf("Status = %s, want Cancelled", result.Status)
	}
}

func TestRegisterHandlerPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected RegisterHandler to panic on duplicate registration")
		}
	}()
	d := NewDispatcher(newFakeRepo(), eventbus.New(), testLogger())
	d.RegisterHandler("dup", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{}, nil
	})
	d.RegisterHandler("dup", func(_ context.Context, e domain.CommandEnvelope) (domain.CommandResult, error) {
		return domain.CommandResult{}, nil
	})
}

func TestJSONDepthMeasuresNesting(t *testing.T) {
	depth, err := jsonDepth([]byte(`{"a":[1,2,{"b":3}]}`))
	if err != nil {
		t.Fatalf("jsonDepth() error = %v", err)
	}
	if depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}
}

func TestJSONDepthRejectsMalformedPayload(t *testing.T) {
	if _, err := jsonDepth([]byte(`{"a":`)); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}
