// Package command implements the command envelope validator and dispatcher:
// structural validation, a startup-registered handler map, audit logging of
// every dispatch attempt (including rejections), and 24-hour replay
// suppression keyed by command UUID.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/eventbus"
	"github.com/fleetward/control-plane/internal/telemetry"
	"github.com/fleetward/control-plane/internal/tenant"
)

// replayWindow is how long a prior terminal result is replayed verbatim for
// a repeated command UUID instead of re-invoking the handler.
const replayWindow = 24 * time.Hour

// Handler executes one command type. It must itself honor ctx cancellation
// and return the Cancelled status rather than panicking or blocking
// indefinitely.
type Handler func(ctx context.Context, envelope domain.CommandEnvelope) (domain.CommandResult, error)

// Repo persists command results for replay lookups and audit records for
// every dispatch attempt.
type Repo interface {
	RecentResult(ctx context.Context, commandID string, within time.Duration) (*domain.CommandResult, bool, error)
	SaveResult(ctx context.Context, result domain.CommandResult) error
	WriteAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Dispatcher validates, routes, and audits command envelopes.
type Dispatcher struct {
	repo Repo
	bus  *eventbus.Bus
	log  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	// boundNodeID, if set, is used as the target when an envelope omits
	// NodeID -- the shape used by an agent's own local dispatch rather than
	// the control plane routing to a remote node.
	boundNodeID string
}

func NewDispatcher(repo Repo, bus *eventbus.Bus, log *slog.Logger) *Dispatcher {
	return &Dispatcher{repo: repo, bus: bus, log: log.With("component", "command"), handlers: make(map[string]Handler)}
}

// WithBoundNodeID returns a copy of the dispatcher with a fallback node UUID
// for envelopes that omit one, for use inside an agent process.
func (d *Dispatcher) WithBoundNodeID(nodeID string) *Dispatcher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cp := &Dispatcher{repo: d.repo, bus: d.bus, log: d.log, handlers: d.handlers, boundNodeID: nodeID}
	return cp
}

// RegisterHandler adds a handler for commandType (case-insensitive).
// Duplicate or empty-tag registration is a startup fault: it panics, because
// it can only be caused by a programming error in the command-type table
// built at process start, never by runtime input.
func (d *Dispatcher) RegisterHandler(commandType string, h Handler) {
	key := strings.ToLower(strings.TrimSpace(commandType))
	if key == "" {
		panic("command: RegisterHandler called with an empty command type")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[key]; exists {
		panic(fmt.Sprintf("command: handler already registered for type %q", commandType))
	}
	d.handlers[key] = h
}

// Dispatch validates envelope, checks for a replay, invokes the registered
// handler, and writes an audit record for every outcome including
// rejections.
func (d *Dispatcher) Dispatch(ctx context.Context, envelope domain.CommandEnvelope) domain.CommandResult {
	correlationID := envelope.CorrelationID
	if correlationID == "" {
		correlationID, _ = tenant.Correlation(ctx)
	}

	result, rejectCode := d.validate(envelope)
	if rejectCode != "" {
		result = domain.CommandResult{
			CommandID:     envelope.CommandID,
			NodeID:        envelope.NodeID,
			Status:        domain.CommandRejected,
			StartedAt:     time.Now(),
			CompletedAt:   time.Now(),
			ErrorCode:     string(rejectCode),
			ErrorMessage:  "command envelope failed validation",
			CorrelationID: correlationID,
		}
		d.audit(ctx, envelope, result, domain.AuditDenied, "")
		telemetry.CommandsTotal.WithLabelValues(envelope.CommandType, "rejected").Inc()
		return result
	}

	if prior, found, err := d.repo.RecentResult(ctx, envelope.CommandID, replayWindow); err == nil && found {
		d.audit(ctx, envelope, *prior, mapOutcome(prior.Status), "replay")
		return *prior
	}

	handler := d.lookupHandler(envelope.CommandType)

	started := time.Now()
	result = d.execute(ctx, handler, envelope, started, correlationID)

	if err := d.repo.SaveResult(ctx, result); err != nil {
		d.log.Error("failed to persist command result", "commandId", envelope.CommandID, "error", err)
	}
	d.audit(ctx, envelope, result, mapOutcome(result.Status), "")
	telemetry.CommandDuration.Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())
	telemetry.CommandsTotal.WithLabelValues(envelope.CommandType, strings.ToLower(string(result.Status))).Inc()

	if result.Status == domain.CommandSucceeded {
		d.bus.Publish(eventbus.Event{
			Type:          eventbus.EventCommandResult,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("command %s completed", envelope.CommandID),
			Timestamp:     time.Now(),
		})
	}

	return result
}

func (d *Dispatcher) execute(ctx context.Context, handler Handler, envelope domain.CommandEnvelope, started time.Time, correlationID string) (result domain.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("command handler panicked", "commandId", envelope.CommandID, "commandType", envelope.CommandType, "panic", r)
			result = domain.CommandResult{
				CommandID:     envelope.CommandID,
				NodeID:        envelope.NodeID,
				Status:        domain.CommandFailed,
				StartedAt:     started,
				CompletedAt:   time.Now(),
				ErrorCode:     string(apierr.ExecutionException),
				ErrorMessage:  "Internal execution error",
				CorrelationID: correlationID,
			}
		}
	}()

	res, err := handler(ctx, envelope)
	if err != nil {
		if ctx.Err() != nil {
			return domain.CommandResult{
				CommandID:     envelope.CommandID,
				NodeID:        envelope.NodeID,
				Status:        domain.CommandCancelled,
				StartedAt:     started,
				CompletedAt:   time.Now(),
				CorrelationID: correlationID,
			}
		}
		d.log.Error("command handler returned an error", "commandId", envelope.CommandID, "error", err)
		return domain.CommandResult{
			CommandID:     envelope.CommandID,
			NodeID:        envelope.NodeID,
			Status:        domain.CommandFailed,
			StartedAt:     started,
			CompletedAt:   time.Now(),
			ErrorCode:     string(apierr.ExecutionException),
			ErrorMessage:  "Internal execution error",
			CorrelationID: correlationID,
		}
	}

	res.StartedAt = started
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now()
	}
	res.CorrelationID = correlationID
	return res
}

// validate runs the structural validation chain. An empty rejectCode means
// the envelope passed.
func (d *Dispatcher) validate(envelope domain.CommandEnvelope) (domain.CommandResult, apierr.Code) {
	nodeID := envelope.NodeID
	if nodeID == "" {
		nodeID = d.boundNodeID
	}
	if nodeID == "" {
		return domain.CommandResult{}, apierr.NotEnrolled
	}

	commandType := strings.ToLower(strings.TrimSpace(envelope.CommandType))
	if commandType == "" || d.lookupHandler(commandType) == nil {
		return domain.CommandResult{}, apierr.UnknownCommandType
	}

	if len(envelope.Payload) > domain.MaxPayloadBytes {
		return domain.CommandResult{}, apierr.PayloadTooLarge
	}

	depth, err := jsonDepth(envelope.Payload)
	if err != nil {
		return domain.CommandResult{}, apierr.InvalidPayload
	}
	if depth > domain.MaxPayloadDepth {
		return domain.CommandResult{}, apierr.PayloadTooDeep
	}

	var parsed interface{}
	if err := json.Unmarshal(envelope.Payload, &parsed); err != nil {
		return domain.CommandResult{}, apierr.InvalidPayload
	}
	if parsed == nil {
		return domain.CommandResult{}, apierr.NullPayload
	}

	return domain.CommandResult{}, ""
}

func (d *Dispatcher) lookupHandler(commandType string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[strings.ToLower(strings.TrimSpace(commandType))]
}

func (d *Dispatcher) audit(ctx context.Context, envelope domain.CommandEnvelope, result domain.CommandResult, outcome domain.AuditOutcome, detail string) {
	rec := domain.AuditRecord{
		Timestamp:     time.Now(),
		Actor:         envelope.IssuerOperatorID,
		TenantID:      envelope.IssuerTenantID,
		Action:        "DispatchCommand:" + envelope.CommandType,
		ResourceType:  "command",
		ResourceID:    envelope.CommandID,
		Outcome:       outcome,
		CorrelationID: result.CorrelationID,
		Detail:        detail,
	}
	if err := d.repo.WriteAudit(ctx, rec); err != nil {
		d.log.Error("failed to write audit record", "commandId", envelope.CommandID, "error", err)
	}
}

func mapOutcome(status domain.CommandStatus) domain.AuditOutcome {
	switch status {
	case domain.CommandSucceeded:
		return domain.AuditSuccess
	case domain.CommandRejected:
		return domain.AuditDenied
	default:
		return domain.AuditFailure
	}
}

// jsonDepth reports the maximum nesting depth of a JSON document without
// fully decoding it into Go values, so a pathologically deep payload never
// allocates proportional memory before being rejected.
func jsonDepth(payload []byte) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	depth, maxDepth := 0, 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			case '}', ']':
				depth--
			}
		}
	}
	return maxDepth, nil
}
