package nodeagent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetward/control-plane/internal/domain"
)

// Executor runs a single dispatched command against this node's local
// game-server processes and reports the terminal outcome. The actual
// process-execution engine is external to this agent; Executor is the seam
// a concrete process manager plugs into.
type Executor interface {
	Execute(ctx context.Context, envelope domain.CommandEnvelope) domain.CommandResult
}

// LoggingExecutor is the default Executor: it acknowledges every command as
// succeeded without touching a real process, logging the envelope it would
// otherwise have executed. Deployments that actually host game-server
// processes supply their own Executor implementation at construction time.
type LoggingExecutor struct {
	log interface {
		Info(msg string, args ...any)
	}
}

// NewLoggingExecutor returns a no-op Executor that logs what it receives.
func NewLoggingExecutor(log interface {
	Info(msg string, args ...any)
}) *LoggingExecutor {
	return &LoggingExecutor{log: log}
}

func (e *LoggingExecutor) Execute(ctx context.Context, envelope domain.CommandEnvelope) domain.CommandResult {
	started := time.Now()
	var payload json.RawMessage
	_ = json.Unmarshal(envelope.Payload, &payload)
	e.log.Info("executing command (no-op executor)",
		"commandId", envelope.CommandID,
		"commandType", envelope.CommandType,
		"nodeId", envelope.NodeID,
	)
	return domain.CommandResult{
		CommandID:     envelope.CommandID,
		NodeID:        envelope.NodeID,
		Status:        domain.CommandSucceeded,
		StartedAt:     started,
		CompletedAt:   time.Now(),
		CorrelationID: envelope.CorrelationID,
	}
}
