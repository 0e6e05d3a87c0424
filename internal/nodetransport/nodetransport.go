// Package nodetransport delivers dispatched command envelopes to the node
// agent that owns them and carries the agent's result back to the
// dispatcher that is still blocked waiting on it. The control plane has no
// persistent connection to a node outside of its periodic heartbeat and
// command-poll calls, so delivery is queue-based: a command dispatcher
// handler enqueues an envelope and waits on a per-command result channel;
// the node agent's next poll drains the node's queue and eventually posts
// the result back, unblocking the waiting handler.
package nodetransport

import (
	"fmt"
	"sync"

	"github.com/fleetward/control-plane/internal/domain"
)

// pendingResult is the channel a dispatcher handler blocks on while a
// command is in flight to its node.
type pendingResult struct {
	ch chan domain.CommandResult
}

// Queue holds, per node, the commands awaiting pickup and, per in-flight
// command, the channel its eventual result is delivered on.
type Queue struct {
	mu       sync.Mutex
	pending  map[string][]domain.CommandEnvelope // nodeID -> FIFO of unpicked envelopes
	inFlight map[string]*pendingResult            // commandID -> waiter
}

func NewQueue() *Queue {
	return &Queue{
		pending:  make(map[string][]domain.CommandEnvelope),
		inFlight: make(map[string]*pendingResult),
	}
}

// Enqueue appends envelope to nodeID's queue and registers a result waiter
// for it. The returned channel receives exactly one CommandResult once
// Resolve is called for this command, or is never sent to if ctx is
// cancelled first -- callers must select on ctx.Done() as well.
func (q *Queue) Enqueue(envelope domain.CommandEnvelope) <-chan domain.CommandResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan domain.CommandResult, 1)
	q.inFlight[envelope.CommandID] = &pendingResult{ch: ch}
	q.pending[envelope.NodeID] = append(q.pending[envelope.NodeID], envelope)
	return ch
}

// Abandon removes a still-unresolved waiter, used when a handler gives up
// after its context is cancelled. Safe to call even if Resolve already fired.
func (q *Queue) Abandon(commandID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, commandID)
}

// Drain removes and returns every envelope currently queued for nodeID, in
// FIFO order, for the agent's next poll.
func (q *Queue) Drain(nodeID string) []domain.CommandEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	envs := q.pending[nodeID]
	delete(q.pending, nodeID)
	return envs
}

// Resolve delivers result to the waiter registered for result.CommandID, if
// one is still pending. Returns false if the command was never enqueued or
// its waiter was already abandoned/resolved -- the caller should treat that
// as "no such in-flight command" rather than an error worth retrying.
func (q *Queue) Resolve(result domain.CommandResult) bool {
	q.mu.Lock()
	waiter, ok := q.inFlight[result.CommandID]
	if ok {
		delete(q.inFlight, result.CommandID)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	waiter.ch <- result
	return true
}

// ErrUnknownCommand names the case of a result submitted for a command the
// queue no longer tracks (already resolved, abandoned, or never enqueued).
// Resolve reports that case by returning false, not with this error.
var ErrUnknownCommand = fmt.Errorf("command is not awaiting a result")
