package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetward/control-plane/internal/consolehistory"
	"github.com/fleetward/control-plane/internal/domain"
)

// ConsoleColdRepo is the durable cold-tier console archive, implementing
// internal/consolehistory's ColdRepo contract. Rows are immutable once
// written.
type ConsoleColdRepo struct {
	pool *pgxpool.Pool
}

func NewConsoleColdRepo(pool *pgxpool.Pool) *ConsoleColdRepo {
	return &ConsoleColdRepo{pool: pool}
}

func (r *ConsoleColdRepo) InsertBatch(ctx context.Context, lines []domain.ConsoleLine) error {
	if len(lines) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(lines))
	for i, l := range lines {
		rows[i] = []interface{}{l.ServerID, l.TenantID, l.Seq, string(l.Type), l.Timestamp, l.Content}
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"console_lines"},
		[]string{"server_id", "tenant_id", "seq", "type", "timestamp", "content"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("archive %d console lines: %w", len(lines), err)
	}
	return nil
}

func (r *ConsoleColdRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM console_lines WHERE "timestamp" < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ConsoleColdRepo) Search(ctx context.Context, params consolehistory.SearchParams) ([]domain.ConsoleLine, error) {
	var b strings.Builder
	b.WriteString(`SELECT server_id, tenant_id, seq, type, "timestamp", content FROM console_lines WHERE tenant_id = $1`)
	args := []interface{}{params.TenantID}

	if params.ServerID != "" {
		args = append(args, params.ServerID)
		fmt.Fprintf(&b, " AND server_id = $%d", len(args))
	}
	if params.Type != "" {
		args = append(args, string(params.Type))
		fmt.Fprintf(&b, " AND type = $%d", len(args))
	}
	if !params.From.IsZero() {
		args = append(args, params.From)
		fmt.Fprintf(&b, ` AND "timestamp" >= $%d`, len(args))
	}
	if !params.To.IsZero() {
		args = append(args, params.To)
		fmt.Fprintf(&b, ` AND "timestamp" <= $%d`, len(args))
	}
	if params.ContentSubstring != "" {
		args = append(args, "%"+params.ContentSubstring+"%")
		fmt.Fprintf(&b, " AND content ILIKE $%d", len(args))
	}

	b.WriteString(` ORDER BY "timestamp" ASC`)

	limit := params.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	if params.Offset > 0 {
		args = append(args, params.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search console lines: %w", err)
	}
	defer rows.Close()

	var out []domain.ConsoleLine
	for rows.Next() {
		var l domain.ConsoleLine
		var lineType string
		if err := rows.Scan(&l.ServerID, &l.TenantID, &l.Seq, &lineType, &l.Timestamp, &l.Content); err != nil {
			return nil, fmt.Errorf("scan console line row: %w", err)
		}
		l.Type = domain.ConsoleOutputType(lineType)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate console line rows: %w", err)
	}
	return out, nil
}
