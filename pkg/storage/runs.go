package storage

import (
	"context"
	"time"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

// Run is one recorded session against a browser endpoint.
type Run struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"startedAt"`
	Commands  int       `json:"commands"`
}

// StartRun registers a run before its first command is recorded.
// Re-registering the same id is a no-op so reconnects stay cheap.
func (s *Store) StartRun(ctx context.Context, id, endpoint, version string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (id, endpoint, version, started_at)
		VALUES (?, ?, ?, ?)
	`, id, endpoint, version, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "start run")
	}
	return nil
}

// ListRuns returns recent runs with their command counts, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.endpoint, r.version, r.started_at, COUNT(c.id)
		FROM runs r
		LEFT JOIN commands c ON c.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "query runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var startedAt string
		if err := rows.Scan(&run.ID, &run.Endpoint, &run.Version, &startedAt, &run.Commands); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan run")
		}
		run.StartedAt = parseTimestamp(startedAt)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "iterate runs")
	}
	return out, nil
}
