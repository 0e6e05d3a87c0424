// Package audit buffers audit records and flushes them to Postgres in
// batches, so that writing an audit entry never blocks the command dispatch
// or enrollment path that produced it.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetward/control-plane/internal/domain"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// copier is the slice of *pgxpool.Pool this package depends on, narrowed so
// tests can supply a fake sink without a live database.
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Writer is an async, buffered audit log writer backed by Postgres.
type Writer struct {
	pool    copier
	log     *slog.Logger
	entries chan domain.AuditRecord
	wg      sync.WaitGroup
}

func NewWriter(pool *pgxpool.Pool, log *slog.Logger) *Writer {
	return newWriter(pool, log)
}

func newWriter(pool copier, log *slog.Logger) *Writer {
	return &Writer{pool: pool, log: log.With("component", "audit"), entries: make(chan domain.AuditRecord, bufferSize)}
}

// Start runs the background flush loop until ctx is cancelled, at which
// point it drains and flushes whatever remains before returning.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the background loop to
// exit. Call after cancelling the context passed to Start.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// WriteAudit enqueues rec for async writing. It never blocks the caller: a
// full buffer drops the entry and logs a warning rather than stalling a
// command dispatch on database latency.
func (w *Writer) WriteAudit(_ context.Context, rec domain.AuditRecord) error {
	select {
	case w.entries <- rec:
	default:
		w.log.Warn("audit buffer full, dropping entry", "action", rec.Action, "resource", rec.ResourceType)
	}
	return nil
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]domain.AuditRecord, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case rec, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []domain.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]interface{}, len(batch))
	for i, rec := range batch {
		rows[i] = []interface{}{rec.Timestamp, rec.Actor, rec.TenantID, rec.Action, rec.ResourceType, rec.ResourceID, string(rec.Outcome), rec.CorrelationID, rec.Detail}
	}

	_, err := w.pool.CopyFrom(ctx,
		pgx.Identifier{"audit_records"},
		[]string{"occurred_at", "actor", "tenant_id", "action", "resource_type", "resource_id", "outcome", "correlation_id", "detail"},
		&pgxSliceSource{rows: rows, pos: -1},
	)
	if err != nil {
		w.log.Error("failed to flush audit batch", "count", len(batch), "error", err)
	}
}

// pgxSliceSource adapts an in-memory row slice to pgx.CopyFromSource without
// pulling in a query-builder dependency for what is otherwise a one-shot
// bulk insert.
type pgxSliceSource struct {
	rows [][]interface{}
	pos  int
}

func (s *pgxSliceSource) Next() bool {
	s.pos++
	return s.pos < len(s.rows)
}

func (s *pgxSliceSource) Values() ([]interface{}, error) { return s.rows[s.pos], nil }

func (s *pgxSliceSource) Err() error { return nil }
