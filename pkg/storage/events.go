package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/chauffeur/pkg/browser"
	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

const (
	defaultEventBatchSize = 64
	defaultEventMaxWait   = 250 * time.Millisecond
)

// EventWriter buffers lifecycle events and writes them in batches. It
// satisfies browser.EventSink: the event pump must never block on the
// database, so the publish path is append-under-mutex and the actual
// writes happen on a timer goroutine.
type EventWriter struct {
	store   *Store
	runID   string
	logger  *logging.Logger
	maxSize int
	maxWait time.Duration

	mu     sync.Mutex
	batch  []browser.TargetEvent
	timer  *time.Timer
	closed bool
}

// NewEventWriter starts a writer that stamps every event with runID.
func NewEventWriter(store *Store, runID string, logger *logging.Logger) *EventWriter {
	return &EventWriter{
		store:   store,
		runID:   runID,
		logger:  logger,
		maxSize: defaultEventBatchSize,
		maxWait: defaultEventMaxWait,
	}
}

// PublishTargetEvent queues one event. Events published after Close are
// discarded.
func (w *EventWriter) PublishTargetEvent(ev browser.TargetEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.batch = append(w.batch, ev)
	if len(w.batch) >= w.maxSize {
		w.scheduleFlushLocked(0)
	} else if w.timer == nil {
		w.scheduleFlushLocked(w.maxWait)
	}
}

// scheduleFlushLocked arms the flush timer. Caller holds w.mu.
func (w *EventWriter) scheduleFlushLocked(d time.Duration) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, func() {
		if err := w.Flush(); err != nil {
			w.logger.Warn(logging.CategoryStorage, "event_flush_failed", "dropped event batch",
				map[string]interface{}{"run_id": w.runID, "error": err.Error()})
		}
	})
}

// Flush writes the pending batch now.
func (w *EventWriter) Flush() error {
	w.mu.Lock()
	batch := w.batch
	w.batch = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := w.store.saveTargetEvents(w.runID, batch)
	if isBusyError(err) {
		// One retry rides out a WAL checkpoint; after that the batch is lost.
		err = w.store.saveTargetEvents(w.runID, batch)
	}
	return err
}

// Close flushes whatever is buffered and stops the writer.
func (w *EventWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.Flush()
}

func (s *Store) saveTargetEvents(runID string, events []browser.TargetEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "begin event batch")
	}
	stmt, err := tx.Prepare(`
		INSERT INTO target_events (run_id, kind, target_id, url, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "prepare event batch")
	}
	defer stmt.Close()

	for _, ev := range events {
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.Exec(runID, ev.Kind, ev.TargetID, ev.URL, ev.Detail, at.UTC().Format(timeFormat)); err != nil {
			tx.Rollback()
			return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "insert event")
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "commit event batch")
	}
	return nil
}

// TargetEventRow is one recorded lifecycle event.
type TargetEventRow struct {
	RunID    string    `json:"runId"`
	Kind     string    `json:"kind"`
	TargetID string    `json:"targetId"`
	URL      string    `json:"url,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// EventHistory returns recorded lifecycle events, newest first. Empty
// targetID or kind matches everything.
func (s *Store) EventHistory(ctx context.Context, targetID, kind string, limit int) ([]TargetEventRow, error) {
	query := `SELECT run_id, kind, target_id, url, detail, at FROM target_events`
	var conds []string
	var args []any
	if targetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, targetID)
	}
	if kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, kind)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "query events")
	}
	defer rows.Close()

	var out []TargetEventRow
	for rows.Next() {
		var row TargetEventRow
		var at string
		if err := rows.Scan(&row.RunID, &row.Kind, &row.TargetID, &row.URL, &row.Detail, &at); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan event")
		}
		row.At = parseTimestamp(at)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "iterate events")
	}
	return out, nil
}
