package nodetransport

import (
	"context"

	"github.com/fleetward/control-plane/internal/domain"
)

// Handler returns a command.Handler that delivers envelope to its node
// through q and blocks until the agent's next poll picks it up and posts a
// result back, or ctx is cancelled first. It is registered under every
// command type the node agent understands -- delivery itself doesn't care
// about the type tag, only the dispatcher's validation does.
func Handler(q *Queue) func(ctx context.Context, envelope domain.CommandEnvelope) (domain.CommandResult, error) {
	return func(ctx context.Context, envelope domain.CommandEnvelope) (domain.CommandResult, error) {
		resultCh := q.Enqueue(envelope)
		select {
		case result := <-resultCh:
			return result, nil
		case <-ctx.Done():
			q.Abandon(envelope.CommandID)
			return domain.CommandResult{
				CommandID: envelope.CommandID,
				NodeID:    envelope.NodeID,
				Status:    domain.CommandCancelled,
			}, nil
		}
	}
}
