package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/webhook"
)

// --- Step attempts ---

func (s *Store) StartAttempt(ctx context.Context, runID, step string, at time.Time) (*run.StepAttempt, error) {
	a := &run.StepAttempt{RunID: runID, Step: step, StartedAt: at.UTC()}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO step_attempts (run_id, step, attempt_no, started_at)
		 SELECT ?1, ?2, COALESCE(MAX(attempt_no), 0) + 1, ?3 FROM step_attempts WHERE run_id = ?1 AND step = ?2
		 RETURNING id, attempt_no`, runID, step, fmtTime(a.StartedAt)).Scan(&a.ID, &a.AttemptNo)
	if err != nil {
		return nil, raceOr(err, "start attempt %s/%s", runID, step)
	}
	return a, nil
}

func (s *Store) FinishAttempt(ctx context.Context, a *run.StepAttempt) error {
	refs := a.LogRefs
	if refs == nil {
		refs = []string{}
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("encode log refs: %w", err)
	}
	finished := now()
	if a.FinishedAt != nil {
		finished = a.FinishedAt.UTC()
	}
	var exit any
	if a.ExitCode != nil {
		exit = *a.ExitCode
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_attempts SET exit_code = ?, duration_ms = ?, log_refs = ?, finished_at = ?
		 WHERE id = ? AND finished_at IS NULL`,
		exit, a.DurationMS, string(raw), fmtTime(finished), a.ID)
	if err := execExpectOne(res, err, "finish attempt %d", a.ID); err != nil {
		return err
	}
	a.FinishedAt = &finished
	return nil
}

func (s *Store) Attempts(ctx context.Context, runID string) ([]run.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, attempt_no, exit_code, duration_ms, log_refs, started_at, finished_at
		 FROM step_attempts WHERE run_id = ? ORDER BY step, attempt_no`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []run.StepAttempt
	for rows.Next() {
		var (
			a        run.StepAttempt
			exit     sql.NullInt64
			refs     string
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Step, &a.AttemptNo, &exit, &a.DurationMS, &refs,
			&started, &finished); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if exit.Valid {
			code := int(exit.Int64)
			a.ExitCode = &code
		}
		if err := json.Unmarshal([]byte(refs), &a.LogRefs); err != nil {
			return nil, fmt.Errorf("decode log refs: %w", err)
		}
		if a.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if a.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Artifacts ---

func (s *Store) AddArtifact(ctx context.Context, a *artifact.Artifact) error {
	meta := []byte(`{}`)
	if a.Metadata != nil {
		var err error
		if meta, err = json.Marshal(a.Metadata); err != nil {
			return fmt.Errorf("encode artifact metadata: %w", err)
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	content := a.Content
	if content == nil {
		content = []byte{}
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO artifacts (run_id, type, media_type, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		a.RunID, string(a.Type), a.MediaType, content, string(meta), fmtTime(a.CreatedAt)).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("add artifact %s/%s: %w", a.RunID, a.Type, err)
	}
	return nil
}

const artifactColumns = `id, run_id, type, media_type, content, metadata, created_at`

func scanArtifact(row scannable) (artifact.Artifact, error) {
	var (
		a       artifact.Artifact
		typ     string
		meta    string
		created string
	)
	if err := row.Scan(&a.ID, &a.RunID, &typ, &a.MediaType, &a.Content, &meta, &created); err != nil {
		return a, err
	}
	a.Type = artifact.Type(typ)
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return a, fmt.Errorf("decode artifact metadata: %w", err)
	}
	var err error
	a.CreatedAt, err = parseTime(created)
	return a, err
}

func (s *Store) LatestArtifact(ctx context.Context, runID string, typ artifact.Type) (*artifact.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? AND type = ? ORDER BY id DESC LIMIT 1`,
		runID, string(typ)))
	if err != nil {
		return nil, notFoundWrap(err, "latest artifact %s/%s", runID, typ)
	}
	return &a, nil
}

func (s *Store) Artifacts(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []artifact.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Webhook deliveries ---

func (s *Store) ReserveDelivery(ctx context.Context, d webhook.Delivery) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (source, delivery_id, event_type, payload_sha256, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, delivery_id) DO NOTHING`,
		d.Source, d.DeliveryID, d.EventType, d.PayloadSHA256, webhook.StateReserved, fmtTime(now()))
	if err != nil {
		return false, fmt.Errorf("reserve delivery %s/%s: %w", d.Source, d.DeliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve delivery %s/%s: %w", d.Source, d.DeliveryID, err)
	}
	return n == 1, nil
}

func (s *Store) ConfirmDelivery(ctx context.Context, source, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET state = ?, confirmed_at = ? WHERE source = ? AND delivery_id = ?`,
		webhook.StateConfirmed, fmtTime(now()), source, id)
	return execExpectOne(res, err, "confirm delivery %s/%s", source, id)
}

func (s *Store) ReleaseDelivery(ctx context.Context, source, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE source = ? AND delivery_id = ? AND state = ?`,
		source, id, webhook.StateReserved)
	if err != nil {
		return fmt.Errorf("release delivery %s/%s: %w", source, id, err)
	}
	return nil
}

// --- Gate requests ---

func (s *Store) CreateGateRequest(ctx context.Context, r *gate.Request) error {
	action, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("encode gate action: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gate_requests (id, run_id, action, action_digest, token_hash, expires_at, consumed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, string(action), r.ActionDigest, r.TokenHash, fmtTime(r.ExpiresAt), nullTime(r.ConsumedAt),
		fmtTime(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create gate request %s: %w", r.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create gate request %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) LatestGateRequest(ctx context.Context, runID string) (*gate.Request, error) {
	var (
		r                        gate.Request
		action, expires, created string
		consumed                 sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, action, action_digest, token_hash, expires_at, consumed_at, created_at
		 FROM gate_requests WHERE run_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, runID).
		Scan(&r.ID, &r.RunID, &action, &r.ActionDigest, &r.TokenHash, &expires, &consumed, &created)
	if err != nil {
		return nil, notFoundWrap(err, "latest gate request %s", runID)
	}
	if err := json.Unmarshal([]byte(action), &r.Action); err != nil {
		return nil, fmt.Errorf("decode gate action: %w", err)
	}
	if r.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.ConsumedAt, err = parseNullTime(consumed); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ConsumeGateRequest(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gate_requests SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("consume gate request %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("consume gate request %s: %w", id, err)
	} else if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM gate_requests WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("consume gate request %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("consume gate request %s: %w", id, domain.ErrNotFound)
	}
	return gate.ErrTokenConsumed
}
