package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/webhook"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
)

// --- Step attempts ---

func (s *Store) StartAttempt(ctx context.Context, runID, step string, at time.Time) (*run.StepAttempt, error) {
	a := &run.StepAttempt{RunID: runID, Step: step, StartedAt: at.UTC()}
	var err error
	for attempt := 0; attempt < ledger.MaxApplyAttempts; attempt++ {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO step_attempts (run_id, step, attempt_no, started_at)
			 SELECT $1, $2, COALESCE(MAX(attempt_no), 0) + 1, $3 FROM step_attempts WHERE run_id = $1 AND step = $2
			 RETURNING id, attempt_no`, runID, step, a.StartedAt).Scan(&a.ID, &a.AttemptNo)
		if err == nil {
			return a, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("start attempt %s/%s: %w", runID, step, err)
		}
	}
	return nil, fmt.Errorf("start attempt %s/%s: %w", runID, step, ledger.ErrRace)
}

func (s *Store) FinishAttempt(ctx context.Context, a *run.StepAttempt) error {
	refs, err := json.Marshal(orEmpty(a.LogRefs))
	if err != nil {
		return fmt.Errorf("encode log refs: %w", err)
	}
	finished := now()
	if a.FinishedAt != nil {
		finished = a.FinishedAt.UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_attempts SET exit_code = $2, duration_ms = $3, log_refs = $4, finished_at = $5
		 WHERE id = $1 AND finished_at IS NULL`,
		a.ID, a.ExitCode, a.DurationMS, string(refs), finished)
	if err := execExpectOne(tag, err, "finish attempt %d", a.ID); err != nil {
		return err
	}
	a.FinishedAt = &finished
	return nil
}

func (s *Store) Attempts(ctx context.Context, runID string) ([]run.StepAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, step, attempt_no, exit_code, duration_ms, log_refs, started_at, finished_at
		 FROM step_attempts WHERE run_id = $1 ORDER BY step, attempt_no`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts %s: %w", runID, err)
	}
	defer rows.Close()

	var out []run.StepAttempt
	for rows.Next() {
		var (
			a    run.StepAttempt
			refs []byte
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Step, &a.AttemptNo, &a.ExitCode, &a.DurationMS, &refs,
			&a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt = a.StartedAt.UTC()
		if a.FinishedAt != nil {
			f := a.FinishedAt.UTC()
			a.FinishedAt = &f
		}
		if err := json.Unmarshal(refs, &a.LogRefs); err != nil {
			return nil, fmt.Errorf("decode log refs: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Artifacts ---

func (s *Store) AddArtifact(ctx context.Context, a *artifact.Artifact) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}
	if a.Metadata == nil {
		meta = []byte(`{}`)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO artifacts (run_id, type, media_type, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.RunID, string(a.Type), a.MediaType, a.Content, string(meta), a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("add artifact %s/%s: %w", a.RunID, a.Type, err)
	}
	return nil
}

const artifactColumns = `id, run_id, type, media_type, content, metadata, created_at`

func scanArtifact(row scannable) (artifact.Artifact, error) {
	var (
		a    artifact.Artifact
		meta []byte
	)
	if err := row.Scan(&a.ID, &a.RunID, &a.Type, &a.MediaType, &a.Content, &meta, &a.CreatedAt); err != nil {
		return a, err
	}
	if err := json.Unmarshal(meta, &a.Metadata); err != nil {
		return a, fmt.Errorf("decode artifact metadata: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *Store) LatestArtifact(ctx context.Context, runID string, typ artifact.Type) (*artifact.Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 AND type = $2 ORDER BY id DESC LIMIT 1`,
		runID, string(typ)))
	if err != nil {
		return nil, notFoundWrap(err, "latest artifact %s/%s", runID, typ)
	}
	return &a, nil
}

func (s *Store) Artifacts(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts %s: %w", runID, err)
	}
	defer rows.Close()

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
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (source, delivery_id, event_type, payload_sha256, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source, delivery_id) DO NOTHING`,
		d.Source, d.DeliveryID, d.EventType, d.PayloadSHA256, webhook.StateReserved, now())
	if err != nil {
		return false, fmt.Errorf("reserve delivery %s/%s: %w", d.Source, d.DeliveryID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ConfirmDelivery(ctx context.Context, source, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET state = $3, confirmed_at = $4 WHERE source = $1 AND delivery_id = $2`,
		source, id, webhook.StateConfirmed, now())
	return execExpectOne(tag, err, "confirm delivery %s/%s", source, id)
}

func (s *Store) ReleaseDelivery(ctx context.Context, source, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_deliveries WHERE source = $1 AND delivery_id = $2 AND state = $3`,
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO gate_requests (id, run_id, action, action_digest, token_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.RunID, string(action), r.ActionDigest, r.TokenHash, r.ExpiresAt, r.CreatedAt)
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
		r      gate.Request
		action []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, action, action_digest, token_hash, expires_at, consumed_at, created_at
		 FROM gate_requests WHERE run_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, runID).
		Scan(&r.ID, &r.RunID, &action, &r.ActionDigest, &r.TokenHash, &r.ExpiresAt, &r.ConsumedAt, &r.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "latest gate request %s", runID)
	}
	if err := json.Unmarshal(action, &r.Action); err != nil {
		return nil, fmt.Errorf("decode gate action: %w", err)
	}
	r.ExpiresAt, r.CreatedAt = r.ExpiresAt.UTC(), r.CreatedAt.UTC()
	if r.ConsumedAt != nil {
		c := r.ConsumedAt.UTC()
		r.ConsumedAt = &c
	}
	return &r, nil
}

func (s *Store) ConsumeGateRequest(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gate_requests SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("consume gate request %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM gate_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("consume gate request %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("consume gate request %s: %w", id, domain.ErrNotFound)
		}
		return gate.ErrTokenConsumed
	}
	return nil
}
