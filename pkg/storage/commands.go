package storage

import (
	"context"
	"strings"
	"time"

	"github.com/odvcencio/chauffeur/pkg/browser"
	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

// timeFormat keeps millisecond precision and sorts lexically.
const timeFormat = "2006-01-02 15:04:05.000"

// RecordCommand persists one executed command. It satisfies
// browser.Recorder; the dispatcher calls it on the command path with a
// short deadline, so the insert must stay a single statement.
func (s *Store) RecordCommand(ctx context.Context, rec browser.CommandRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (run_id, command_id, target_id, action, detail, status, error, attempts, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID,
		rec.CommandID,
		rec.TargetID,
		rec.Action,
		rec.Detail,
		rec.Status,
		rec.Error,
		rec.Attempts,
		rec.Duration.Milliseconds(),
		at.UTC().Format(timeFormat),
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "record command")
	}
	return nil
}

// HistoryQuery filters CommandHistory. Zero fields match everything.
type HistoryQuery struct {
	RunID    string
	TargetID string
	Action   string
	Limit    int
}

// CommandHistory returns recorded commands, newest first.
func (s *Store) CommandHistory(ctx context.Context, q HistoryQuery) ([]browser.CommandRecord, error) {
	query := `SELECT run_id, command_id, target_id, action, detail, status, error, attempts, duration_ms, at FROM commands`
	var conds []string
	var args []any
	if q.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, q.TargetID)
	}
	if q.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, q.Action)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "query commands")
	}
	defer rows.Close()

	var out []browser.CommandRecord
	for rows.Next() {
		var rec browser.CommandRecord
		var durationMs int64
		var at string
		if err := rows.Scan(&rec.RunID, &rec.CommandID, &rec.TargetID, &rec.Action, &rec.Detail,
			&rec.Status, &rec.Error, &rec.Attempts, &durationMs, &at); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan command")
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.At = parseTimestamp(at)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "iterate commands")
	}
	return out, nil
}

// parseTimestamp accepts both this package's millisecond format and
// SQLite's CURRENT_TIMESTAMP second format.
func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(timeFormat, s); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return ts
	}
	return time.Time{}
}
