package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skobkin/groundlink/internal/domain"
)

// SegmentRepo implements domain.SegmentRepository using SQLite.
type SegmentRepo struct {
	db *sql.DB
}

func NewSegmentRepo(db *sql.DB) *SegmentRepo {
	return &SegmentRepo{db: db}
}

func (r *SegmentRepo) Upsert(ctx context.Context, s domain.SegmentRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO segments(path, session, started_at, closed_at, entries, status, error_text)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			closed_at = excluded.closed_at,
			entries = excluded.entries,
			status = excluded.status,
			error_text = excluded.error_text
	`,
		s.Path,
		s.Session,
		toUnixMillis(s.StartedAt),
		nullableMillis(s.ClosedAt),
		// #nosec G115 -- entry counts stay far below math.MaxInt64.
		int64(s.Entries),
		string(s.Status),
		nullableString(s.Error),
	)
	if err != nil {
		return fmt.Errorf("upsert segment: %w", err)
	}

	return nil
}

// List returns every cataloged segment, oldest first.
func (r *SegmentRepo) List(ctx context.Context) ([]domain.SegmentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT path, session, started_at, closed_at, entries, status, error_text
		FROM segments
		ORDER BY started_at, path
	`)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SegmentRecord
	for rows.Next() {
		var (
			rec       domain.SegmentRecord
			startedAt int64
			closedAt  sql.NullInt64
			entries   int64
			status    string
			errText   sql.NullString
		)
		if err := rows.Scan(&rec.Path, &rec.Session, &startedAt, &closedAt, &entries, &status, &errText); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		rec.StartedAt = fromUnixMillis(startedAt)
		if closedAt.Valid {
			rec.ClosedAt = fromUnixMillis(closedAt.Int64)
		}
		// #nosec G115 -- stored from a uint64 count.
		rec.Entries = uint64(entries)
		rec.Status = domain.SegmentStatus(status)
		rec.Error = errText.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}

	return out, nil
}
