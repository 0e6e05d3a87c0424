// Package consolehub implements the per-connection console fan-out hub:
// join/leave subscriptions, inbound command sanitization, and multicast of
// upstream console output to every subscriber of a server.
package consolehub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/command"
	"github.com/fleetward/control-plane/internal/consolehistory"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/sessionregistry"
	"github.com/fleetward/control-plane/internal/tenant"
)

const (
	// DefaultRecentLinesOnJoin is how many hot-tier lines are replayed to a
	// connection immediately after it joins a server.
	DefaultRecentLinesOnJoin = 100
	// DefaultOutboundQueueSize bounds each subscriber's outbound message
	// queue; beyond this, the oldest queued message is dropped.
	DefaultOutboundQueueSize = 256
	// DefaultMaxCommandLength bounds a raw console command's byte length.
	DefaultMaxCommandLength = 4096
	// DefaultPatternMatchTimeout bounds how long a single dangerous-pattern
	// regex is allowed to run against one command before it is treated as a
	// match, guarding against catastrophic backtracking.
	DefaultPatternMatchTimeout = 1 * time.Second

	consoleCommandType = "console.rawcommand"
)

// Config tunes hub behavior.
type Config struct {
	RecentLinesOnJoin   int
	OutboundQueueSize   int
	MaxCommandLength    int
	PatternMatchTimeout time.Duration
	DangerousPatterns   []*regexp.Regexp
}

// DefaultConfig returns Config with every tunable at its spec default and no
// dangerous patterns configured.
func DefaultConfig() Config {
	return Config{
		RecentLinesOnJoin:   DefaultRecentLinesOnJoin,
		OutboundQueueSize:   DefaultOutboundQueueSize,
		MaxCommandLength:    DefaultMaxCommandLength,
		PatternMatchTimeout: DefaultPatternMatchTimeout,
	}
}

// ServerLookup resolves the owning tenant and hosting node for a server, so
// JoinServer can authorize and SendCommand can address a dispatch.
type ServerLookup interface {
	ServerInfo(ctx context.Context, serverID string) (tenantID, nodeID string, err error)
}

// AuditWriter records a single audited action. SendCommand uses it directly
// for commands blocked before they ever reach the dispatcher.
type AuditWriter interface {
	WriteAudit(ctx context.Context, rec domain.AuditRecord) error
}

// EventType is the kind of a server-to-client console message.
type EventType string

const (
	EventConsoleOutput       EventType = "ConsoleOutput"
	EventConsoleBatch        EventType = "ConsoleBatch"
	EventConsoleHistory      EventType = "ConsoleHistory"
	EventServerStatusChanged EventType = "ServerStatusChanged"
	EventCommandResult       EventType = "CommandResult"
	EventError               EventType = "Error"
	EventPong                EventType = "Pong"
)

// OutboundMessage is a single server-to-client console channel message.
type OutboundMessage struct {
	Type     EventType               `json:"type"`
	ServerID string                  `json:"serverId,omitempty"`
	Lines    []domain.ConsoleLine    `json:"lines,omitempty"`
	Result   *domain.CommandResult   `json:"result,omitempty"`
	Error    *apierr.ProblemDocument `json:"error,omitempty"`
	Lossy    bool                    `json:"lossy,omitempty"`
}

// subscriber is one operator connection's outbound queue. Once the queue is
// full, the oldest message is dropped and the subscriber is marked lossy:
// the message that caused the drop and every message sent after it carry
// Lossy=true. The flag stays set for the life of the subscriber; messages
// already queued before the drop are not marked.
type subscriber struct {
	connID string
	out    chan OutboundMessage
	lossy  atomic.Bool
}

func newSubscriber(connID string, queueSize int) *subscriber {
	return &subscriber{connID: connID, out: make(chan OutboundMessage, queueSize)}
}

func (s *subscriber) send(msg OutboundMessage) {
	msg.Lossy = s.lossy.Load()
	select {
	case s.out <- msg:
		return
	default:
	}

	select {
	case <-s.out:
	default:
	}
	s.lossy.Store(true)
	msg.Lossy = true
	select {
	case s.out <- msg:
	default:
	}
}

// Hub coordinates console subscriptions for connections held by this
// process. Cross-instance membership visibility is delegated to registry;
// a connection's own hub instance is the only one that ever holds its
// subscriber, per the load balancer's session-affinity requirement.
type Hub struct {
	registry   sessionregistry.Store
	history    *consolehistory.Store
	dispatcher *command.Dispatcher
	servers    ServerLookup
	audit      AuditWriter
	log        *slog.Logger
	cfg        Config

	mu            sync.Mutex
	subscribers   map[string]*subscriber        // connID -> subscriber
	serverMembers map[string]map[string]struct{} // serverID -> connID set, local only
}

func NewHub(registry sessionregistry.Store, history *consolehistory.Store, dispatcher *command.Dispatcher, servers ServerLookup, audit AuditWriter, log *slog.Logger, cfg Config) *Hub {
	if cfg.RecentLinesOnJoin <= 0 {
		cfg.RecentLinesOnJoin = DefaultRecentLinesOnJoin
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.MaxCommandLength <= 0 {
		cfg.MaxCommandLength = DefaultMaxCommandLength
	}
	if cfg.PatternMatchTimeout <= 0 {
		cfg.PatternMatchTimeout = DefaultPatternMatchTimeout
	}
	return &Hub{
		registry:      registry,
		history:       history,
		dispatcher:    dispatcher,
		servers:       servers,
		audit:         audit,
		log:           log.With("component", "consolehub"),
		cfg:           cfg,
		subscribers:   make(map[string]*subscriber),
		serverMembers: make(map[string]map[string]struct{}),
	}
}

// Register opens connID's outbound queue. Callers must call Unregister when
// the underlying transport connection closes.
func (h *Hub) Register(connID string) <-chan OutboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := newSubscriber(connID, h.cfg.OutboundQueueSize)
	h.subscribers[connID] = sub
	return sub.out
}

// Unregister tears down every membership connID holds, locally and in the
// shared registry, and closes its outbound queue.
func (h *Hub) Unregister(ctx context.Context, connID string) error {
	h.mu.Lock()
	sub, ok := h.subscribers[connID]
	delete(h.subscribers, connID)
	for serverID, members := range h.serverMembers {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.serverMembers, serverID)
		}
	}
	h.mu.Unlock()

	if ok {
		close(sub.out)
	}
	if err := h.registry.RemoveAllConnections(ctx, connID); err != nil {
		return fmt.Errorf("unregister connection %s: %w", connID, err)
	}
	return nil
}

// JoinServer authorizes connID's caller against serverID's tenant, registers
// the membership, and replies on the connection's own queue with up to
// RecentLinesOnJoin lines of console history.
func (h *Hub) JoinServer(ctx context.Context, connID, serverID string) error {
	sub, ok := h.subscriber(connID)
	if !ok {
		return fmt.Errorf("consolehub: join from unregistered connection %s", connID)
	}

	serverTenant, _, err := h.servers.ServerInfo(ctx, serverID)
	if err != nil {
		return fmt.Errorf("resolve server %s: %w", serverID, err)
	}

	callerTenant, _ := tenant.Tenant(ctx)
	operatorID, _ := tenant.Operator(ctx)
	if callerTenant == "" || callerTenant != serverTenant {
		correlationID, _ := tenant.Correlation(ctx)
		return apierr.New(apierr.Unauthorized, "tenant does not own this server", correlationID)
	}

	if err := h.registry.AddConnection(ctx, connID, serverID, callerTenant, operatorID); err != nil {
		return fmt.Errorf("join server %s: %w", serverID, err)
	}

	h.mu.Lock()
	members, ok := h.serverMembers[serverID]
	if !ok {
		members = make(map[string]struct{})
		h.serverMembers[serverID] = members
	}
	members[connID] = struct{}{}
	h.mu.Unlock()

	recent, err := h.history.RecentLines(ctx, serverID, h.cfg.RecentLinesOnJoin)
	if err != nil {
		h.log.Warn("failed to load recent console history on join", "serverId", serverID, "error", err)
		recent = nil
	}
	sub.send(OutboundMessage{Type: EventConsoleHistory, ServerID: serverID, Lines: recent})
	return nil
}

// LeaveServer removes connID's membership in serverID, locally and in the
// shared registry.
func (h *Hub) LeaveServer(ctx context.Context, connID, serverID string) error {
	h.mu.Lock()
	if members, ok := h.serverMembers[serverID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.serverMembers, serverID)
		}
	}
	h.mu.Unlock()

	if err := h.registry.RemoveConnection(ctx, connID, serverID); err != nil {
		return fmt.Errorf("leave server %s: %w", serverID, err)
	}
	return nil
}

// SendCommand sanitizes rawCommand, audits the outcome including blocks, and
// dispatches it through the command dispatcher. The dispatcher's own terminal
// result is echoed back to connID.
func (h *Hub) SendCommand(ctx context.Context, connID, serverID string, rawCommand []byte) error {
	sub, ok := h.subscriber(connID)
	if !ok {
		return fmt.Errorf("consolehub: command from unregistered connection %s", connID)
	}

	callerTenant, _ := tenant.Tenant(ctx)
	operatorID, _ := tenant.Operator(ctx)
	correlationID, _ := tenant.Correlation(ctx)

	if blockCode, reason := h.sanitize(rawCommand); blockCode != "" {
		h.auditBlocked(ctx, serverID, callerTenant, operatorID, correlationID, reason)
		apiErr := apierr.New(blockCode, reason, correlationID)
		sub.send(OutboundMessage{Type: EventError, ServerID: serverID, Error: func() *apierr.ProblemDocument {
			p := apiErr.Problem(serverID)
			return &p
		}()})
		return apiErr
	}

	_, nodeID, err := h.servers.ServerInfo(ctx, serverID)
	if err != nil {
		return fmt.Errorf("resolve server %s: %w", serverID, err)
	}

	payload, err := json.Marshal(map[string]string{"serverId": serverID, "command": string(rawCommand)})
	if err != nil {
		return fmt.Errorf("marshal console command payload: %w", err)
	}

	envelope := domain.CommandEnvelope{
		CommandID:        uuid.New().String(),
		NodeID:           nodeID,
		CommandType:      consoleCommandType,
		Payload:          payload,
		CorrelationID:    correlationID,
		IssuerTenantID:   callerTenant,
		IssuerOperatorID: operatorID,
	}

	result := h.dispatcher.Dispatch(ctx, envelope)
	sub.send(OutboundMessage{Type: EventCommandResult, ServerID: serverID, Result: &result})
	return nil
}

// sanitize returns a non-empty apierr.Code and human-readable reason if
// rawCommand must be blocked, or an empty code if it passes.
func (h *Hub) sanitize(rawCommand []byte) (apierr.Code, string) {
	if len(rawCommand) > h.cfg.MaxCommandLength {
		return apierr.PayloadTooLarge, "console command exceeds the configured maximum length"
	}
	cmd := string(rawCommand)
	for _, pattern := range h.cfg.DangerousPatterns {
		matched, err := matchWithTimeout(pattern, cmd, h.cfg.PatternMatchTimeout)
		if err != nil {
			h.log.Warn("dangerous-pattern match timed out, blocking command defensively", "pattern", pattern.String())
			return apierr.BlockedPattern, "command rejected: pattern match did not complete in time"
		}
		if matched {
			return apierr.BlockedPattern, "command matches a blocked pattern"
		}
	}
	return "", ""
}

func (h *Hub) auditBlocked(ctx context.Context, serverID, tenantID, operatorID, correlationID, reason string) {
	rec := domain.AuditRecord{
		Timestamp:     time.Now(),
		Actor:         operatorID,
		TenantID:      tenantID,
		Action:        "SendCommand:blocked",
		ResourceType:  "consoleServer",
		ResourceID:    serverID,
		Outcome:       domain.AuditDenied,
		CorrelationID: correlationID,
		Detail:        reason,
	}
	if err := h.audit.WriteAudit(ctx, rec); err != nil {
		h.log.Error("failed to write blocked-command audit record", "serverId", serverID, "error", err)
	}
}

// matchWithTimeout runs pattern.MatchString on its own goroutine and gives
// up after timeout, so a pathological input can never hang the calling task
// even though Go's regexp engine itself does not support match deadlines.
func matchWithTimeout(pattern *regexp.Regexp, input string, timeout time.Duration) (bool, error) {
	result := make(chan bool, 1)
	go func() {
		result <- pattern.MatchString(input)
	}()
	select {
	case matched := <-result:
		return matched, nil
	case <-time.After(timeout):
		return false, fmt.Errorf("pattern match exceeded %s", timeout)
	}
}

func (h *Hub) subscriber(connID string) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[connID]
	return sub, ok
}

// IngestConsoleOutput is the single call path for a server's own hub owner:
// it appends lines to the hot tier and multicasts them to every connection
// this instance locally holds for serverID. In a multi-instance deployment
// the upstream bus partitions by server UUID, so exactly one instance owns a
// given server's ingestion at a time; peer instances holding connections for
// the same server receive the multicast via their own bus subscription and
// should call MulticastLocal instead, to avoid double-archiving the lines.
func (h *Hub) IngestConsoleOutput(ctx context.Context, serverID, tenantID string, lines []domain.ConsoleLine, outputType domain.ConsoleOutputType) error {
	if err := h.history.Append(ctx, serverID, tenantID, lines); err != nil {
		return fmt.Errorf("ingest console output for %s: %w", serverID, err)
	}
	h.MulticastLocal(serverID, lines)
	return nil
}

// MulticastLocal delivers lines to every connection this instance locally
// holds for serverID, without touching the history store.
func (h *Hub) MulticastLocal(serverID string, lines []domain.ConsoleLine) {
	h.mu.Lock()
	members := make([]string, 0, len(h.serverMembers[serverID]))
	for connID := range h.serverMembers[serverID] {
		members = append(members, connID)
	}
	subs := make([]*subscriber, 0, len(members))
	for _, connID := range members {
		if sub, ok := h.subscribers[connID]; ok {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	msg := OutboundMessage{Type: EventConsoleOutput, ServerID: serverID, Lines: lines}
	for _, sub := range subs {
		sub.send(msg)
	}
}

// Ping replies with a liveness Pong on connID's own queue.
func (h *Hub) Ping(connID string) error {
	sub, ok := h.subscriber(connID)
	if !ok {
		return fmt.Errorf("consolehub: ping from unregistered connection %s", connID)
	}
	sub.send(OutboundMessage{Type: EventPong})
	return nil
}
