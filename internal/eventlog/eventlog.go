// Package eventlog keeps an audit trail of every change envelope the
// dispatcher queues and finishes.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

const (
	bufferSize    = 1024
	pruneInterval = time.Hour
	maxErrorBytes = 4 * 1024
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Entry is one audited envelope.
type Entry struct {
	ID          string     `json:"id"`
	MessageType string     `json:"message_type"`
	Table       string     `json:"table"`
	Operation   string     `json:"operation"`
	RecordID    int64      `json:"record_id"`
	Status      Status     `json:"status"`
	Worker      *string    `json:"worker,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type op struct {
	row    *dbevent.Row
	at     time.Time
	finish bool
	worker string
	took   time.Duration
	err    error
}

// Log buffers audit records in memory and writes them from Run.
type Log struct {
	db        *sql.DB
	clock     clock.Clock
	retention time.Duration
	ops       chan op
	dropped   atomic.Int64
	logger    *slog.Logger
}

// New creates a Log writing to db. Entries older than retention are pruned
// by Run; zero keeps everything.
func New(db *sql.DB, retention time.Duration, clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.New()
	}
	return &Log{
		db:        db,
		clock:     clk,
		retention: retention,
		ops:       make(chan op, bufferSize),
		logger:    log.WithComponent("eventlog"),
	}
}

// Queued records that row entered the dispatcher queue.
func (l *Log) Queued(row *dbevent.Row) {
	l.offer(op{row: row, at: l.clock.Now()})
}

// Finished records the outcome of processing row.
func (l *Log) Finished(row *dbevent.Row, worker string, took time.Duration, err error) {
	l.offer(op{row: row, at: l.clock.Now(), finish: true, worker: worker, took: took, err: err})
}

func (l *Log) offer(o op) {
	select {
	case l.ops <- o:
	default:
		if l.dropped.Add(1) == 1 {
			l.logger.Warn("audit buffer full; dropping records")
		}
	}
}

// Dropped is the number of records discarded because the buffer was full.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

// Run writes buffered records until ctx is cancelled, then flushes what is
// left and returns.
func (l *Log) Run(ctx context.Context) error {
	var prune <-chan time.Time
	if l.retention > 0 {
		ticker := l.clock.Ticker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case o := <-l.ops:
			l.write(ctx, o)
		case <-prune:
			if n, err := l.Prune(ctx, l.retention); err != nil {
				l.logger.Warn("audit prune failed", "error", err)
			} else if n > 0 {
				l.logger.Debug("pruned audit records", "count", n)
			}
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for {
				select {
				case o := <-l.ops:
					l.write(flushCtx, o)
				default:
					return nil
				}
			}
		}
	}
}

func (l *Log) write(ctx context.Context, o op) {
	var err error
	if o.finish {
		err = l.finish(ctx, o)
	} else {
		err = l.insert(ctx, o)
	}
	if err != nil {
		l.logger.Warn("failed to write audit record", "row_id", o.row.ID, "error", err)
	}
}

func (l *Log) insert(ctx context.Context, o op) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO event_log(id, message_type, table_name, operation, record_id, status, queued_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, o.row.ID, string(o.row.MessageType), o.row.TableName, string(o.row.Operation), o.row.RecordID, StatusQueued, o.at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event_log: %w", err)
	}
	return nil
}

func (l *Log) finish(ctx context.Context, o op) error {
	status := StatusProcessed
	var lastError any
	if o.err != nil {
		status = StatusFailed
		msg := o.err.Error()
		if len(msg) > maxErrorBytes {
			msg = msg[:maxErrorBytes]
		}
		lastError = msg
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	completedAt := o.at.UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
UPDATE event_log
SET status = ?, worker = ?, duration_ms = ?, last_error = ?, completed_at = ?
WHERE id = ?;
`, status, o.worker, o.took.Milliseconds(), lastError, completedAt, o.row.ID)
	if err != nil {
		return fmt.Errorf("update event_log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Queued record was dropped; keep the outcome anyway.
		_, err = tx.ExecContext(ctx, `
INSERT INTO event_log(id, message_type, table_name, operation, record_id, status, worker, duration_ms, last_error, queued_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, o.row.ID, string(o.row.MessageType), o.row.TableName, string(o.row.Operation), o.row.RecordID, status, o.worker, o.took.Milliseconds(), lastError, completedAt, completedAt)
		if err != nil {
			return fmt.Errorf("insert finished event_log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Prune deletes finished records queued more than olderThan ago.
func (l *Log) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.clock.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx, `DELETE FROM event_log WHERE status != ? AND queued_at < ?;`, StatusQueued, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune event_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Recent returns up to limit records, newest first. An empty status matches all.
func (l *Log) Recent(ctx context.Context, limit int, status Status) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, message_type, table_name, operation, record_id, status, worker, duration_ms, last_error, queued_at, completed_at
FROM event_log`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY queued_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e            Entry
			statusS      string
			worker       sql.NullString
			durationMS   sql.NullInt64
			lastError    sql.NullString
			queuedAtS    string
			completedAtS sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.MessageType, &e.Table, &e.Operation, &e.RecordID, &statusS,
			&worker, &durationMS, &lastError, &queuedAtS, &completedAtS); err != nil {
			return nil, fmt.Errorf("scan event_log: %w", err)
		}
		e.Status = Status(statusS)
		if worker.Valid {
			e.Worker = &worker.String
		}
		if durationMS.Valid {
			e.DurationMS = &durationMS.Int64
		}
		if lastError.Valid {
			e.LastError = &lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, queuedAtS); err == nil {
			e.QueuedAt = t
		}
		if completedAtS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
				e.CompletedAt = &t
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
