// Package heartbeat consumes periodic node health payloads, recomputes each
// node's rolling health score and trend, derives its observed status, and
// publishes a HealthChanged event on every transition.
//
// Processing is sharded by node UUID so that heartbeats for a single node
// are always handled in receive order without a global lock, while
// different nodes' heartbeats proceed fully in parallel.
package heartbeat

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/eventbus"
	"github.com/fleetward/control-plane/internal/telemetry"
	"github.com/fleetward/control-plane/internal/tenant"
	"github.com/google/uuid"
)

// shardCount is the number of per-node locks used to serialize heartbeat
// processing; a node's shard is fnv32a(nodeID) % shardCount.
const shardCount = 16

// scoreWindow is the number of recent score samples kept per node for trend
// calculation.
const scoreWindow = 5

// failureWindow is how many recent heartbeats' failed-process counts feed
// into the health score.
const failureWindow = 5

// Repo persists node state for the heartbeat processor.
type Repo interface {
	GetNode(ctx context.Context, nodeID uuid.UUID) (*domain.Node, error)
	UpdateNode(ctx context.Context, node domain.Node) error
}

// Thresholds configures observed-status derivation and health scoring.
type Thresholds struct {
	Interval       time.Duration
	OfflineFactor  float64 // offline if age > OfflineFactor * Interval
	DegradedCPUPct float64
	DegradedMemPct float64
	DegradedDisk   float64 // any single disk usage pct that triggers Degraded
}

// DefaultThresholds mirrors the configured defaults: 30s heartbeat interval,
// 3x offline factor, degraded below a health score of 50 or any disk above
// 90%.
var DefaultThresholds = Thresholds{
	Interval:      30 * time.Second,
	OfflineFactor: 3,
	DegradedDisk:  90,
}

type nodeState struct {
	mu           sync.Mutex
	scores       []float64 // ring, most recent last
	failedCounts []int
}

// Processor implements the heartbeat ingestion contract.
type Processor struct {
	repo       Repo
	bus        *eventbus.Bus
	thresholds Thresholds
	log        *slog.Logger

	shards [shardCount]sync.Mutex
	states sync.Map // nodeID string -> *nodeState
}

func NewProcessor(repo Repo, bus *eventbus.Bus, thresholds Thresholds, log *slog.Logger) *Processor {
	return &Processor{repo: repo, bus: bus, thresholds: thresholds, log: log.With("component", "heartbeat")}
}

// Process ingests a single heartbeat payload. callerNodeID is the UUID
// parsed from the presenting mTLS certificate's CN; it must equal
// payload.NodeID or the heartbeat is rejected.
func (p *Processor) Process(ctx context.Context, callerNodeID uuid.UUID, payload domain.HeartbeatPayload) error {
	correlationID, _ := tenant.Correlation(ctx)

	if payload.NodeID != callerNodeID.String() {
		telemetry.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return apierr.New(apierr.Unauthorized, "node identity mismatch", correlationID)
	}

	started := time.Now()
	defer func() {
		telemetry.HeartbeatProcessDuration.Observe(time.Since(started).Seconds())
	}()

	shard := &p.shards[fnv32a(payload.NodeID)%shardCount]
	shard.Lock()
	defer shard.Unlock()

	node, err := p.repo.GetNode(ctx, callerNodeID)
	if err != nil {
		telemetry.HeartbeatsTotal.WithLabelValues("error").Inc()
		return apierr.Wrap(apierr.NodeNotFound, "node not found", correlationID, err)
	}
	if node.Decommissioned() {
		telemetry.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return apierr.New(apierr.NodeDecommissioned, "node is decommissioned", correlationID)
	}

	// Drop payloads older than 2x interval -- stale data that would pull the
	// rolling score backward.
	if p.thresholds.Interval > 0 && time.Since(payload.WallTime) > 2*p.thresholds.Interval {
		p.log.Warn("dropping stale heartbeat", "nodeId", node.ID, "age", time.Since(payload.WallTime))
		telemetry.HeartbeatsTotal.WithLabelValues("stale_dropped").Inc()
		return nil
	}

	previousStatus := node.Status

	node.LastHeartbeat = payload.WallTime
	node.Capacity = capacityFromMetrics(node.Capacity, node.Hardware, payload.Metrics, payload.Processes)
	node.Warnings = appendBounded(node.Warnings, payload.Warnings, domain.MaxWarnings)

	st := p.stateFor(node.ID)
	st.mu.Lock()
	failedCount := countFailedProcesses(payload.Processes)
	st.failedCounts = appendWindow(st.failedCounts, failedCount, failureWindow)
	score := computeHealthScore(payload.Metrics, st.failedCounts)
	st.scores = appendWindow(st.scores, score, scoreWindow)
	trend := computeTrend(st.scores)
	st.mu.Unlock()

	node.HealthScore = score
	node.HealthTrend = trend

	if node.Status != domain.NodeMaintenance && node.Status != domain.NodeDecommissioned {
		node.Status = p.deriveStatus(node, payload.Metrics)
	}

	if err := p.repo.UpdateNode(ctx, *node); err != nil {
		telemetry.HeartbeatsTotal.WithLabelValues("error").Inc()
		return apierr.Wrap(apierr.Internal, "failed to persist node state", correlationID, err)
	}

	telemetry.HeartbeatsTotal.WithLabelValues("accepted").Inc()

	if node.Status != previousStatus {
		if previousStatus != "" {
			telemetry.NodesByStatus.WithLabelValues(string(previousStatus)).Dec()
		}
		telemetry.NodesByStatus.WithLabelValues(string(node.Status)).Inc()

		p.bus.Publish(eventbus.Event{
			Type:          eventbus.EventHealthChanged,
			TenantID:      mustParseOrNil(node.TenantID),
			NodeID:        callerNodeID,
			CorrelationID: correlationID,
			Message:       string(previousStatus) + " -> " + string(node.Status),
			Timestamp:     time.Now(),
		})
	}

	return nil
}

// deriveStatus computes the observed status per the configured thresholds.
// Maintenance and Decommissioned are administrator-set and never derived
// here; callers must check those before calling deriveStatus.
func (p *Processor) deriveStatus(node *domain.Node, metrics domain.SystemMetrics) domain.NodeStatus {
	if p.thresholds.Interval > 0 {
		age := time.Since(node.LastHeartbeat)
		if age > time.Duration(p.thresholds.OfflineFactor*float64(p.thresholds.Interval)) {
			return domain.NodeOffline
		}
	}

	if node.HealthScore < 50 {
		return domain.NodeDegraded
	}
	for _, d := range metrics.Disks {
		if d.TotalBytes == 0 {
			continue
		}
		usedPct := 100 * float64(d.TotalBytes-d.FreeBytes) / float64(d.TotalBytes)
		if usedPct > p.thresholds.DegradedDisk {
			return domain.NodeDegraded
		}
	}
	if len(node.Warnings) > 0 {
		return domain.NodeDegraded
	}
	return domain.NodeOnline
}

// EvaluateStaleness marks nodes Offline whose last heartbeat has aged past
// the offline threshold without waiting for a fresh heartbeat to trigger
// re-derivation. Intended to run on a periodic background sweep.
func (p *Processor) EvaluateStaleness(ctx context.Context, nodes []domain.Node) {
	for _, node := range nodes {
		if node.Status == domain.NodeMaintenance || node.Status == domain.NodeDecommissioned || node.Status == domain.NodeOffline {
			continue
		}
		age := time.Since(node.LastHeartbeat)
		if age <= time.Duration(p.thresholds.OfflineFactor*float64(p.thresholds.Interval)) {
			continue
		}
		previous := node.Status
		node.Status = domain.NodeOffline
		if err := p.repo.UpdateNode(ctx, node); err != nil {
			p.log.Error("failed to mark node offline", "nodeId", node.ID, "error", err)
			continue
		}
		p.bus.Publish(eventbus.Event{
			Type:      eventbus.EventHealthChanged,
			TenantID:  mustParseOrNil(node.TenantID),
			NodeID:    mustParseOrNil(node.ID),
			Message:   string(previous) + " -> " + string(domain.NodeOffline),
			Timestamp: time.Now(),
		})
	}
}

func (p *Processor) stateFor(nodeID string) *nodeState {
	v, _ := p.states.LoadOrStore(nodeID, &nodeState{})
	return v.(*nodeState)
}

// bytesPerServerReservation is the assumed memory footprint of a single game
// server process, used only to estimate how many more a node's hardware
// could host. It is a capacity hint for operators, not an admission check.
const bytesPerServerReservation = 2 * 1024 * 1024 * 1024

func capacityFromMetrics(prev domain.Capacity, hw domain.Hardware, m domain.SystemMetrics, procs []domain.ProcessInfo) domain.Capacity {
	updated := prev
	updated.AvailMemBytes = m.MemTotalBytes - m.MemUsedBytes
	var availDisk uint64
	for _, d := range m.Disks {
		availDisk += d.FreeBytes
	}
	updated.AvailDiskBytes = availDisk
	updated.CurrentServers = countActiveProcesses(procs)
	if hw.RAMBytes > 0 {
		updated.MaxServers = int(hw.RAMBytes / bytesPerServerReservation)
	}
	return updated
}

// countActiveProcesses counts processes that are running or transitioning
// into/out of running; Stopped and Failed processes no longer occupy a slot.
func countActiveProcesses(procs []domain.ProcessInfo) int {
	n := 0
	for _, p := range procs {
		switch p.State {
		case domain.ProcessStarting, domain.ProcessRunning, domain.ProcessStopping:
			n++
		}
	}
	return n
}

func countFailedProcesses(procs []domain.ProcessInfo) int {
	n := 0
	for _, proc := range procs {
		if proc.State == domain.ProcessFailed {
			n++
		}
	}
	return n
}

// computeHealthScore is a weighted combination of CPU%, memory%, worst
// disk%, and recent Failed-process counts, clamped to [0, 100].
func computeHealthScore(m domain.SystemMetrics, recentFailures []int) float64 {
	memPct := 0.0
	if m.MemTotalBytes > 0 {
		memPct = 100 * float64(m.MemUsedBytes) / float64(m.MemTotalBytes)
	}
	worstDiskPct := 0.0
	for _, d := range m.Disks {
		if d.TotalBytes == 0 {
			continue
		}
		usedPct := 100 * float64(d.TotalBytes-d.FreeBytes) / float64(d.TotalBytes)
		if usedPct > worstDiskPct {
			worstDiskPct = usedPct
		}
	}

	totalFailures := 0
	for _, c := range recentFailures {
		totalFailures += c
	}

	score := 100.0
	score -= 0.4 * m.CPUPct
	score -= 0.3 * memPct
	score -= 0.2 * worstDiskPct
	score -= 5.0 * float64(totalFailures)

	return math.Max(0, math.Min(100, score))
}

// computeTrend returns the sign of the slope between the first and second
// half average of the sample window.
func computeTrend(scores []float64) domain.HealthTrend {
	if len(scores) < 2 {
		return domain.TrendFlat
	}
	mid := len(scores) / 2
	var firstSum, secondSum float64
	for i, s := range scores {
		if i < mid {
			firstSum += s
		} else {
			secondSum += s
		}
	}
	firstAvg := firstSum / float64(mid)
	secondAvg := secondSum / float64(len(scores)-mid)

	const epsilon = 0.5
	switch {
	case secondAvg-firstAvg > epsilon:
		return domain.TrendUp
	case firstAvg-secondAvg > epsilon:
		return domain.TrendDown
	default:
		return domain.TrendFlat
	}
}

func appendWindow[T any](window []T, v T, max int) []T {
	window = append(window, v)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func appendBounded(existing, incoming []string, max int) []string {
	combined := append(append([]string{}, existing...), incoming...)
	if len(combined) > max {
		combined = combined[len(combined)-max:]
	}
	return combined
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func mustParseOrNil(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
