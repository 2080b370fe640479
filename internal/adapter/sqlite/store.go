package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
)

// Store implements ledger.Store on a database/sql handle opened with the
// modernc SQLite driver.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return raceOr(err, "commit tx")
	}
	return nil
}

// --- Runs ---

const runColumns = `id, owner, repo, workspace, task, instructions, policy_profile, pr_number, retry_of, created_at, updated_at`

func scanRun(row scannable, extra ...any) (run.Run, error) {
	var (
		r                run.Run
		pr               sql.NullInt64
		retryOf          sql.NullString
		created, updated string
	)
	dest := append([]any{&r.ID, &r.Owner, &r.Repo, &r.Workspace, &r.Task, &r.Instructions, &r.PolicyProfile,
		&pr, &retryOf, &created, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return r, err
	}
	r.PRNumber = int(pr.Int64)
	r.RetryOf = retryOf.String
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return r, err
	}
	return r, nil
}

func (s *Store) CreateRun(ctx context.Context, r *run.Run, ev event.Event) (ledger.Result, error) {
	if err := r.Validate(); err != nil {
		return ledger.Result{}, fmt.Errorf("create run: %w: %w", domain.ErrValidation, err)
	}
	var res ledger.Result
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (`+runColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			r.ID, r.Owner, r.Repo, r.Workspace, r.Task, r.Instructions, r.PolicyProfile,
			nullIfZero(r.PRNumber), nullIfEmpty(r.RetryOf), fmtTime(r.CreatedAt), fmtTime(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert run %s: %w", r.ID, err)
		}
		res, err = ledger.Apply(ctx, &txLedger{tx: tx}, ev, "")
		return err
	})
	if err != nil {
		return ledger.Result{}, err
	}
	return res, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, f ledger.ListFilter) ([]ledger.RunView, error) {
	var (
		where string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = ` WHERE rs.state IN (` + strings.Join(marks, ", ") + `)`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.owner, r.repo, r.workspace, r.task, r.instructions, r.policy_profile, r.pr_number, r.retry_of,
		        r.created_at, r.updated_at, rs.snapshot
		 FROM runs r JOIN run_states rs ON rs.run_id = r.id`+where+`
		 ORDER BY r.created_at, r.id
		 LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ledger.RunView
	for rows.Next() {
		var snap string
		r, err := scanRun(rows, &snap)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		v := ledger.RunView{Run: r}
		if err := json.Unmarshal([]byte(snap), &v.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", r.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) FindRunByPR(ctx context.Context, owner, repo string, pr int) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE lower(owner) = lower(?) AND lower(repo) = lower(?) AND pr_number = ?
		 ORDER BY created_at DESC LIMIT 1`, owner, repo, pr))
	if err != nil {
		return nil, notFoundWrap(err, "find run %s/%s#%d", owner, repo, pr)
	}
	return &r, nil
}

func (s *Store) LineageDepth(ctx context.Context, id string) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		`WITH RECURSIVE lineage(id, retry_of, depth) AS (
		     SELECT id, retry_of, 0 FROM runs WHERE id = ?
		     UNION ALL
		     SELECT r.id, r.retry_of, l.depth + 1 FROM runs r JOIN lineage l ON r.id = l.retry_of WHERE l.depth < 100
		 )
		 SELECT COALESCE(MAX(depth), 0) FROM lineage`, id).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("lineage %s: %w", id, err)
	}
	return depth, nil
}

// --- Events ---

func (s *Store) ApplyEvent(ctx context.Context, ev event.Event, expected run.State) (ledger.Result, error) {
	return ledger.Retry(ctx, func(ctx context.Context) (ledger.Result, error) {
		var res ledger.Result
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			res, err = ledger.Apply(ctx, &txLedger{tx: tx}, ev, expected)
			return err
		})
		return res, err
	})
}

const eventColumns = `id, run_id, seq, type, idempotency_key, payload, created_at`

func scanEvent(row scannable) (event.Event, error) {
	var (
		ev      event.Event
		typ     string
		payload string
		created string
	)
	if err := row.Scan(&ev.ID, &ev.RunID, &ev.Seq, &typ, &ev.IdempotencyKey, &payload, &created); err != nil {
		return ev, err
	}
	ev.Type = event.Type(typ)
	ev.Payload = json.RawMessage(payload)
	var err error
	ev.CreatedAt, err = parseTime(created)
	return ev, err
}

func (s *Store) Events(ctx context.Context, runID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) Snapshot(ctx context.Context, runID string) (run.Snapshot, error) {
	snap, err := loadSnapshot(ctx, s.db, runID)
	if err != nil {
		return snap, err
	}
	if snap.Version == 0 {
		return snap, fmt.Errorf("snapshot %s: %w", runID, domain.ErrNotFound)
	}
	return snap, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSnapshot(ctx context.Context, q querier, runID string) (run.Snapshot, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT snapshot FROM run_states WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return run.Snapshot{}, nil
	}
	if err != nil {
		return run.Snapshot{}, fmt.Errorf("load snapshot %s: %w", runID, err)
	}
	var snap run.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return run.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", runID, err)
	}
	return snap, nil
}

// txLedger implements ledger.Tx over one database/sql transaction.
type txLedger struct {
	tx *sql.Tx
}

func (t *txLedger) EventByKey(ctx context.Context, runID, key string) (*event.Event, error) {
	ev, err := scanEvent(t.tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND idempotency_key = ?`, runID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (t *txLedger) LoadSnapshot(ctx context.Context, runID string) (run.Snapshot, error) {
	return loadSnapshot(ctx, t.tx, runID)
}

func (t *txLedger) InsertEvent(ctx context.Context, ev *event.Event) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO events (run_id, seq, type, idempotency_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		ev.RunID, ev.Seq, string(ev.Type), ev.IdempotencyKey, string(ev.Payload), fmtTime(ev.CreatedAt)).Scan(&ev.ID)
	if err != nil {
		return raceOr(err, "insert event %s seq %d", ev.RunID, ev.Seq)
	}
	return nil
}

func (t *txLedger) SaveSnapshot(ctx context.Context, snap run.Snapshot, prev int64) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if prev == 0 {
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO run_states (run_id, state, version, snapshot, updated_at) VALUES (?, ?, ?, ?, ?)`,
			snap.RunID, string(snap.State), snap.Version, string(raw), fmtTime(snap.UpdatedAt))
		if err != nil {
			return raceOr(err, "insert run state %s", snap.RunID)
		}
	} else {
		res, err := t.tx.ExecContext(ctx,
			`UPDATE run_states SET state = ?, version = ?, snapshot = ?, updated_at = ?
			 WHERE run_id = ? AND version = ?`,
			string(snap.State), snap.Version, string(raw), fmtTime(snap.UpdatedAt), snap.RunID, prev)
		if err != nil {
			return fmt.Errorf("update run state %s: %w", snap.RunID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update run state %s: %w", snap.RunID, err)
		} else if n == 0 {
			return fmt.Errorf("update run state %s at version %d: %w", snap.RunID, prev, ledger.ErrRace)
		}
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE runs SET pr_number = ?, updated_at = ? WHERE id = ?`,
		nullIfZero(snap.PRNumber), fmtTime(snap.UpdatedAt), snap.RunID)
	if err != nil {
		return fmt.Errorf("touch run %s: %w", snap.RunID, err)
	}
	return nil
}

func now() time.Time { return time.Now().UTC() }
