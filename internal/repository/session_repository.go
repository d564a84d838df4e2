package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/virtual-waiting-room/internal/model"
)

// SessionRepo provides data access to the waiting_sessions table and the
// per-event lock anchors in event_queues.  It is the single source of
// truth for admission counts and FIFO ordering.  All timestamps are UTC;
// the connection is opened with loc=UTC so DATETIME columns scan into
// UTC time.Time values.
//
// Mutating methods come in *Tx form and expect the caller to hold an
// open transaction that has already locked the event's anchor row via
// LockQueueTx.  That lock serializes every capacity check and promotion
// for one event, which is what keeps the active count under the bound
// when concurrent callers race (a bare count-then-insert across two
// round trips would not).
type SessionRepo struct {
	db *sql.DB
}

// NewSessionRepo returns a new SessionRepo bound to the given database.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

// DB exposes the underlying handle so handlers can open transactions.
func (r *SessionRepo) DB() *sql.DB { return r.db }

// sessionColumns is the column list scanned by scanSession.
const sessionColumns = `id, event_id, client_session_id, status, created_at, entered_at, updated_at`

// scanSession reads one waiting_sessions row from a row scanner.
func scanSession(row *sql.Row) (*model.Session, error) {
	var s model.Session
	var enteredAt sql.NullTime
	err := row.Scan(&s.ID, &s.EventID, &s.ClientSessionID, &s.Status, &s.CreatedAt, &enteredAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if enteredAt.Valid {
		t := enteredAt.Time
		s.EnteredAt = &t
	}
	return &s, nil
}

// LockQueueTx takes the per-event admission lock inside the supplied
// transaction.  The anchor row is created lazily so events need no
// registration step; INSERT IGNORE keeps creation idempotent.  The
// subsequent SELECT ... FOR UPDATE blocks until any concurrent admission
// transaction for the same event commits or rolls back.
func (r *SessionRepo) LockQueueTx(ctx context.Context, tx *sql.Tx, eventID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO event_queues (event_id) VALUES (?)`, eventID,
	); err != nil {
		return err
	}
	var locked string
	return tx.QueryRowContext(ctx,
		`SELECT event_id FROM event_queues WHERE event_id = ? FOR UPDATE`, eventID,
	).Scan(&locked)
}

// GetOpenTx returns the single non-completed session for the given event
// and client session identifier, or ErrSessionNotFound when none exists.
// Uniqueness of open rows is guaranteed by the event lock held by the
// caller, not by a schema constraint.
func (r *SessionRepo) GetOpenTx(ctx context.Context, tx *sql.Tx, eventID, clientSessionID string) (*model.Session, error) {
	const q = `SELECT ` + sessionColumns + `
               FROM waiting_sessions
               WHERE event_id = ? AND client_session_id = ? AND status IN ('waiting','active')
               LIMIT 1`
	s, err := scanSession(tx.QueryRowContext(ctx, q, eventID, clientSessionID))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// CountsTx returns the current active and waiting totals for an event in
// a single query.
func (r *SessionRepo) CountsTx(ctx context.Context, tx *sql.Tx, eventID string) (active, waiting int, err error) {
	const q = `SELECT
                 COUNT(CASE WHEN status = 'active' THEN 1 END),
                 COUNT(CASE WHEN status = 'waiting' THEN 1 END)
               FROM waiting_sessions
               WHERE event_id = ? AND status IN ('waiting','active')`
	err = tx.QueryRowContext(ctx, q, eventID).Scan(&active, &waiting)
	return active, waiting, err
}

// InsertTx creates a new session row with the given status and returns
// the stored row.  entered_at is set only when the session is admitted
// immediately.  The row is queried back so that callers see the
// database-assigned timestamps.
func (r *SessionRepo) InsertTx(ctx context.Context, tx *sql.Tx, eventID, clientSessionID, status string) (*model.Session, error) {
	var res sql.Result
	var err error
	if status == model.StatusActive {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO waiting_sessions (event_id, client_session_id, status, entered_at)
             VALUES (?, ?, 'active', UTC_TIMESTAMP())`,
			eventID, clientSessionID,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO waiting_sessions (event_id, client_session_id, status)
             VALUES (?, ?, 'waiting')`,
			eventID, clientSessionID,
		)
	}
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.getByIDTx(ctx, tx, uint64(id))
}

// getByIDTx fetches one session row by primary key.
func (r *SessionRepo) getByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM waiting_sessions WHERE id = ?`
	return scanSession(tx.QueryRowContext(ctx, q, id))
}

// MarkActiveTx flips a waiting session to active and stamps entered_at.
// The WHERE clause guards the state machine: only waiting rows can move
// to active, so a stale id is a no-op rather than a corruption.
func (r *SessionRepo) MarkActiveTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE waiting_sessions
         SET status = 'active', entered_at = UTC_TIMESTAMP()
         WHERE id = ? AND status = 'waiting'`,
		id,
	)
	return err
}

// MarkCompletedTx moves a session to its terminal state.  Completed rows
// are retained for audit; nothing in this package deletes them.
func (r *SessionRepo) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE waiting_sessions
         SET status = 'completed'
         WHERE id = ? AND status <> 'completed'`,
		id,
	)
	return err
}

// PromoteNextWaitingTx promotes the oldest waiting session of an event
// to active and returns the promoted row, or nil when no session is
// waiting.  This is the only promotion code path; exit, cleanup and the
// background reaper all free capacity through it so that FIFO order
// cannot diverge between call sites.  Ties on created_at resolve by
// insertion order via the id column.
func (r *SessionRepo) PromoteNextWaitingTx(ctx context.Context, tx *sql.Tx, eventID string) (*model.Session, error) {
	const q = `SELECT id FROM waiting_sessions
               WHERE event_id = ? AND status = 'waiting'
               ORDER BY created_at ASC, id ASC
               LIMIT 1
               FOR UPDATE`
	var id uint64
	err := tx.QueryRowContext(ctx, q, eventID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.MarkActiveTx(ctx, tx, id); err != nil {
		return nil, err
	}
	return r.getByIDTx(ctx, tx, id)
}

// QueuePositionTx returns the 1-based position of a waiting session
// within its event's queue: the number of waiting rows strictly ahead of
// it in FIFO order, plus one.
func (r *SessionRepo) QueuePositionTx(ctx context.Context, tx *sql.Tx, s *model.Session) (int, error) {
	const q = `SELECT COUNT(*) FROM waiting_sessions
               WHERE event_id = ? AND status = 'waiting'
                 AND (created_at < ? OR (created_at = ? AND id < ?))`
	var ahead int
	err := tx.QueryRowContext(ctx, q, s.EventID, s.CreatedAt, s.CreatedAt, s.ID).Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// ExpireStaleTx marks every open session of an event created before the
// cutoff as completed and returns the number of rows expired.  Freed
// capacity is not promoted here; callers decide (CleanupEvent promotes
// eagerly).
func (r *SessionRepo) ExpireStaleTx(ctx context.Context, tx *sql.Tx, eventID string, olderThan time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE waiting_sessions
         SET status = 'completed'
         WHERE event_id = ? AND status IN ('waiting','active') AND created_at < ?`,
		eventID, olderThan.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupEvent expires stale sessions for one event and eagerly promotes
// waiting sessions into the freed capacity, all inside a single locked
// transaction.  It returns the number of expired rows and the sessions
// that were promoted.  Both the cleanup action and the background reaper
// run through this method so their behavior cannot drift apart.
func (r *SessionRepo) CleanupEvent(ctx context.Context, eventID string, olderThan time.Time, maxConcurrent int) (int64, []model.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := r.LockQueueTx(ctx, tx, eventID); err != nil {
		return 0, nil, err
	}
	expired, err := r.ExpireStaleTx(ctx, tx, eventID, olderThan)
	if err != nil {
		return 0, nil, err
	}
	var promoted []model.Session
	if expired > 0 {
		active, _, err := r.CountsTx(ctx, tx, eventID)
		if err != nil {
			return 0, nil, err
		}
		for active < maxConcurrent {
			s, err := r.PromoteNextWaitingTx(ctx, tx, eventID)
			if err != nil {
				return 0, nil, err
			}
			if s == nil {
				break
			}
			promoted = append(promoted, *s)
			active++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	committed = true
	return expired, promoted, nil
}

// StaleEvents lists the events that currently have open sessions older
// than the cutoff.  The background reaper uses it to decide which events
// need a cleanup pass.
func (r *SessionRepo) StaleEvents(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT event_id FROM waiting_sessions
         WHERE status IN ('waiting','active') AND created_at < ?`,
		olderThan.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		events = append(events, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Snapshot is a consistent point-in-time view of one caller's standing
// in an event's queue, produced for the status endpoint.
type Snapshot struct {
	Session       *model.Session // nil when no open session exists
	ActiveCount   int
	WaitingCount  int
	QueuePosition int // 1-based; 0 when the session is active or absent
}

// Snapshot reads the caller's session, both counts and the caller's
// queue position inside a single read-only transaction.  InnoDB's
// repeatable-read snapshot keeps the three reads mutually consistent
// without taking any locks; the endpoint is advisory polling, so a
// snapshot that is an instant stale is acceptable.
func (r *SessionRepo) Snapshot(ctx context.Context, eventID, clientSessionID string) (*Snapshot, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	snap := &Snapshot{}
	s, err := r.GetOpenTx(ctx, tx, eventID, clientSessionID)
	if err != nil && err != ErrSessionNotFound {
		return nil, err
	}
	snap.Session = s
	snap.ActiveCount, snap.WaitingCount, err = r.CountsTx(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	if s != nil && s.Status == model.StatusWaiting {
		snap.QueuePosition, err = r.QueuePositionTx(ctx, tx, s)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return snap, nil
}
