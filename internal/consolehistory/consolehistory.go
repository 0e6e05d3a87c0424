// Package consolehistory implements the two-tier console line archive: a
// bounded, lock-protected hot tier in Redis for recent lines, and an
// immutable cold tier in Postgres for everything older, with a background
// sweeper enforcing retention.
package consolehistory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/domain"
	"github.com/fleetward/control-plane/internal/tenant"
)

const (
	defaultHotTTL        = 60 * time.Minute
	defaultLockTTL       = 30 * time.Second
	hotCap               = 500
	archiveBatch         = 250
	DefaultRetentionDays = 30
)

// ColdRepo is the Postgres-backed cold tier.
type ColdRepo interface {
	InsertBatch(ctx context.Context, lines []domain.ConsoleLine) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Search(ctx context.Context, params SearchParams) ([]domain.ConsoleLine, error)
}

// SearchParams filters a cold-tier query. Every field is optional except
// TenantID, which is always applied -- every query is tenant-scoped.
type SearchParams struct {
	TenantID         string
	ServerID         string
	Type             domain.ConsoleOutputType
	From, To         time.Time
	ContentSubstring string
	Limit, Offset    int
}

// Store coordinates the hot and cold tiers.
type Store struct {
	redis  *redis.Client
	cold   ColdRepo
	lock   *namedLock
	hotTTL time.Duration
	log    *slog.Logger
}

func NewStore(client *redis.Client, cold ColdRepo, log *slog.Logger) *Store {
	return &Store{
		redis:  client,
		cold:   cold,
		lock:   newNamedLock(client, defaultLockTTL),
		hotTTL: defaultHotTTL,
		log:    log.With("component", "consolehistory"),
	}
}

func hotListKey(serverID string) string { return "console:hot:" + serverID }
func hotMetaKey(serverID string) string { return "console:hot:meta:" + serverID }
func lockKey(serverID string) string    { return "console:history:lock:" + serverID }

// Append prepends lines to serverID's hot record, renews its TTL, and
// archives the oldest batch to the cold tier if the record has grown past
// its cap. tenantID is only used to seed the hot record's authoritative
// tenant on first write; later archival always uses the record's own value.
func (s *Store) Append(ctx context.Context, serverID, tenantID string, lines []domain.ConsoleLine) error {
	if len(lines) == 0 {
		return nil
	}

	key := lockKey(serverID)
	token, err := s.lock.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire history lock for %s: %w", serverID, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lock.release(releaseCtx, key, token); err != nil {
			s.log.Warn("failed to release history lock", "serverId", serverID, "error", err)
		}
	}()

	listKey := hotListKey(serverID)
	metaKey := hotMetaKey(serverID)

	// SetNX seeds the authoritative tenant only on the record's first write.
	s.redis.SetNX(ctx, metaKey, tenantID, s.hotTTL)
	authoritativeTenant, err := s.redis.Get(ctx, metaKey).Result()
	if err != nil {
		if err != redis.Nil {
			return fmt.Errorf("read hot record tenant for %s: %w", serverID, err)
		}
		authoritativeTenant = tenantID
	}

	encoded := make([]interface{}, len(lines))
	for i, line := range lines {
		line.TenantID = authoritativeTenant
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("marshal console line: %w", err)
		}
		encoded[i] = data
	}

	pipe := s.redis.TxPipeline()
	pipe.LPush(ctx, listKey, encoded...)
	pipe.Expire(ctx, listKey, s.hotTTL)
	pipe.Expire(ctx, metaKey, s.hotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append hot lines for %s: %w", serverID, err)
	}

	count, err := s.redis.LLen(ctx, listKey).Result()
	if err != nil {
		return fmt.Errorf("measure hot record length for %s: %w", serverID, err)
	}
	if count > hotCap {
		if err := s.archive(ctx, serverID, authoritativeTenant); err != nil {
			return err
		}
	}
	return nil
}

// archive moves the oldest archiveBatch lines (the tail of the prepend-only
// list) from the hot tier to the cold tier in one cold-tier transaction,
// then trims them from the hot record.
func (s *Store) archive(ctx context.Context, serverID, authoritativeTenant string) error {
	listKey := hotListKey(serverID)

	raw, err := s.redis.LRange(ctx, listKey, -archiveBatch, -1).Result()
	if err != nil {
		return fmt.Errorf("read archival batch for %s: %w", serverID, err)
	}
	if len(raw) == 0 {
		return nil
	}

	lines := make([]domain.ConsoleLine, 0, len(raw))
	for _, r := range raw {
		var line domain.ConsoleLine
		if err := json.Unmarshal([]byte(r), &line); err != nil {
			s.log.Error("skipping corrupt hot console line during archival", "serverId", serverID, "error", err)
			continue
		}
		line.TenantID = authoritativeTenant
		lines = append(lines, line)
	}

	if err := s.cold.InsertBatch(ctx, lines); err != nil {
		return fmt.Errorf("archive %d lines for %s: %w", len(lines), serverID, err)
	}

	if err := s.redis.LTrim(ctx, listKey, 0, int64(len(raw))*-1-1).Err(); err != nil {
		return fmt.Errorf("trim archived lines for %s: %w", serverID, err)
	}
	return nil
}

// RecentLines returns up to limit of the most recently appended lines for
// serverID, oldest first (chronological display order).
func (s *Store) RecentLines(ctx context.Context, serverID string, limit int) ([]domain.ConsoleLine, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.redis.LRange(ctx, hotListKey(serverID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent lines for %s: %w", serverID, err)
	}

	lines := make([]domain.ConsoleLine, 0, len(raw))
	for _, r := range raw {
		var line domain.ConsoleLine
		if err := json.Unmarshal([]byte(r), &line); err != nil {
			continue
		}
		lines = append(lines, line)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// Search runs a paginated cold-tier query, rejecting a request for a
// different tenant than the caller's own with the uniform not-found-shaped
// authorization error rather than revealing the record exists.
func (s *Store) Search(ctx context.Context, params SearchParams) ([]domain.ConsoleLine, error) {
	callerTenant, _ := tenant.Tenant(ctx)
	if callerTenant != "" && params.TenantID != "" && callerTenant != params.TenantID {
		correlationID, _ := tenant.Correlation(ctx)
		return nil, apierr.New(apierr.Unauthorized, "tenant mismatch on console history search", correlationID)
	}
	return s.cold.Search(ctx, params)
}

// RunRetentionSweep deletes cold-tier rows older than retentionDays using a
// single bulk delete rather than iterating row by row. Intended to run on a
// periodic schedule.
func (s *Store) RunRetentionSweep(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted, err := s.cold.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	s.log.Info("retention sweep complete", "deleted", deleted, "cutoff", cutoff)
	return nil
}
