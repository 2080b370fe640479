package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
)

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return raceOr(err, "commit tx")
	}
	return nil
}

// --- Runs ---

const runColumns = `id, owner, repo, workspace, task, instructions, policy_profile, pr_number, retry_of, created_at, updated_at`

func scanRun(row scannable) (run.Run, error) {
	var (
		r       run.Run
		pr      *int
		retryOf *string
	)
	err := row.Scan(&r.ID, &r.Owner, &r.Repo, &r.Workspace, &r.Task, &r.Instructions, &r.PolicyProfile,
		&pr, &retryOf, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if pr != nil {
		r.PRNumber = *pr
	}
	if retryOf != nil {
		r.RetryOf = *retryOf
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return r, nil
}

func (s *Store) CreateRun(ctx context.Context, r *run.Run, ev event.Event) (ledger.Result, error) {
	if err := r.Validate(); err != nil {
		return ledger.Result{}, fmt.Errorf("create run: %w: %w", domain.ErrValidation, err)
	}
	var res ledger.Result
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO runs (`+runColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			 ON CONFLICT (id) DO NOTHING`,
			r.ID, r.Owner, r.Repo, r.Workspace, r.Task, r.Instructions, r.PolicyProfile,
			nullIfZero(r.PRNumber), nullIfEmpty(r.RetryOf), r.CreatedAt)
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
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, f ledger.ListFilter) ([]ledger.RunView, error) {
	states := make([]string, len(f.States))
	for i, st := range f.States {
		states[i] = string(st)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.owner, r.repo, r.workspace, r.task, r.instructions, r.policy_profile, r.pr_number, r.retry_of,
		        r.created_at, r.updated_at, rs.snapshot
		 FROM runs r JOIN run_states rs ON rs.run_id = r.id
		 WHERE cardinality($1::text[]) = 0 OR rs.state = ANY($1::text[])
		 ORDER BY r.created_at, r.id
		 LIMIT $2`, orEmpty(states), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []ledger.RunView
	for rows.Next() {
		var (
			v       ledger.RunView
			pr      *int
			retryOf *string
			snap    []byte
		)
		if err := rows.Scan(&v.Run.ID, &v.Run.Owner, &v.Run.Repo, &v.Run.Workspace, &v.Run.Task, &v.Run.Instructions,
			&v.Run.PolicyProfile, &pr, &retryOf, &v.Run.CreatedAt, &v.Run.UpdatedAt, &snap); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if pr != nil {
			v.Run.PRNumber = *pr
		}
		if retryOf != nil {
			v.Run.RetryOf = *retryOf
		}
		if err := json.Unmarshal(snap, &v.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", v.Run.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) FindRunByPR(ctx context.Context, owner, repo string, pr int) (*run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE lower(owner) = lower($1) AND lower(repo) = lower($2) AND pr_number = $3
		 ORDER BY created_at DESC LIMIT 1`, owner, repo, pr))
	if err != nil {
		return nil, notFoundWrap(err, "find run %s/%s#%d", owner, repo, pr)
	}
	return &r, nil
}

func (s *Store) LineageDepth(ctx context.Context, id string) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx,
		`WITH RECURSIVE lineage(id, retry_of, depth) AS (
		     SELECT id, retry_of, 0 FROM runs WHERE id = $1
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
		err := s.withTx(ctx, func(tx pgx.Tx) error {
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
		payload []byte
	)
	if err := row.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.Type, &ev.IdempotencyKey, &payload, &ev.CreatedAt); err != nil {
		return ev, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func (s *Store) Events(ctx context.Context, runID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", runID, err)
	}
	defer rows.Close()

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
	snap, err := loadSnapshot(ctx, s.pool, runID)
	if err != nil {
		return snap, err
	}
	if snap.Version == 0 {
		return snap, fmt.Errorf("snapshot %s: %w", runID, domain.ErrNotFound)
	}
	return snap, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadSnapshot(ctx context.Context, q querier, runID string) (run.Snapshot, error) {
	var raw []byte
	err := q.QueryRow(ctx, `SELECT snapshot FROM run_states WHERE run_id = $1`, runID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Snapshot{}, nil
	}
	if err != nil {
		return run.Snapshot{}, fmt.Errorf("load snapshot %s: %w", runID, err)
	}
	var snap run.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return run.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", runID, err)
	}
	return snap, nil
}

// txLedger implements ledger.Tx over one pgx transaction.
type txLedger struct {
	tx pgx.Tx
}

func (t *txLedger) EventByKey(ctx context.Context, runID, key string) (*event.Event, error) {
	ev, err := scanEvent(t.tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = $1 AND idempotency_key = $2`, runID, key))
	if errors.Is(err, pgx.ErrNoRows) {
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
	err := t.tx.QueryRow(ctx,
		`INSERT INTO events (run_id, seq, type, idempotency_key, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		ev.RunID, ev.Seq, string(ev.Type), ev.IdempotencyKey, string(ev.Payload), ev.CreatedAt).Scan(&ev.ID)
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
		_, err = t.tx.Exec(ctx,
			`INSERT INTO run_states (run_id, state, version, snapshot, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			snap.RunID, string(snap.State), snap.Version, string(raw), snap.UpdatedAt)
		if err != nil {
			return raceOr(err, "insert run state %s", snap.RunID)
		}
	} else {
		tag, err := t.tx.Exec(ctx,
			`UPDATE run_states SET state = $2, version = $3, snapshot = $4, updated_at = $5
			 WHERE run_id = $1 AND version = $6`,
			snap.RunID, string(snap.State), snap.Version, string(raw), snap.UpdatedAt, prev)
		if err != nil {
			return fmt.Errorf("update run state %s: %w", snap.RunID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update run state %s at version %d: %w", snap.RunID, prev, ledger.ErrRace)
		}
	}
	_, err = t.tx.Exec(ctx, `UPDATE runs SET pr_number = $2, updated_at = $3 WHERE id = $1`,
		snap.RunID, nullIfZero(snap.PRNumber), snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("touch run %s: %w", snap.RunID, err)
	}
	return nil
}

// now is the store clock for rows the domain does not timestamp.
func now() time.Time { return time.Now().UTC() }
