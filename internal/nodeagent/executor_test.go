package nodeagent

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/fleetward/control-plane/internal/domain"
)

func TestLoggingExecutorSucceedsEveryCommand(t *testing.T) {
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	e := NewLoggingExecutor(log)

	envelope := domain.CommandEnvelope{
		CommandID:     "c1",
		NodeID:        "n1",
		CommandType:   "server.start",
		Payload:       []byte(`{}`),
		CorrelationID: "corr-1",
	}

	result := e.Execute(context.Background(), envelope)

	if result.Status != domain.CommandSucceeded {
		t.Fatalf("Status = %s, want Succeeded", result.Status)
	}
	if result.CommandID != "c1" || result.NodeID != "n1" {
		t.Fatalf("result = %+v, want CommandID/NodeID echoed from the envelope", result)
	}
	if result.CorrelationID != "corr-1" {
		t.Fatalf("CorrelationID = %q, want carried through from the envelope", result.CorrelationID)
	}
	if result.CompletedAt.Before(result.StartedAt) {
		t.Fatalf("CompletedAt %v is before StartedAt %v", result.CompletedAt, result.StartedAt)
	}
}
