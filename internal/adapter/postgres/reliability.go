package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

// --- Artifacts ---

const artifactColumns = `id, run_id, step_id, type, path, metadata, created_at`

func scanArtifact(row scannable) (run.Artifact, error) {
	var (
		a    run.Artifact
		meta []byte
	)
	if err := row.Scan(&a.ID, &a.RunID, &a.StepID, &a.Type, &a.Path, &meta, &a.CreatedAt); err != nil {
		return a, err
	}
	m, err := jsonMap(meta)
	if err != nil {
		return a, err
	}
	if len(m) > 0 {
		a.Metadata = m
	}
	return a, nil
}

func (t *txn) insertArtifact(ctx context.Context, runID, stepID string, spec run.ArtifactSpec) (run.Artifact, error) {
	meta, err := jsonArg(spec.Metadata, false)
	if err != nil {
		return run.Artifact{}, err
	}
	return scanArtifact(t.QueryRow(ctx,
		`INSERT INTO artifacts (run_id, step_id, type, path, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+artifactColumns,
		runID, stepID, spec.Type, spec.Path, meta, t.now))
}

func (s *Store) AddArtifact(ctx context.Context, runID, stepID string, spec run.ArtifactSpec) (*run.Artifact, error) {
	var out run.Artifact
	err := s.write(ctx, "add artifact", func(ctx context.Context, tx *txn) error {
		if _, err := tx.stepInRun(ctx, "add artifact", runID, stepID); err != nil {
			return err
		}
		a, err := tx.insertArtifact(ctx, runID, stepID, spec)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]run.Artifact, error) {
	if checkID("list artifacts", "run", runID) != nil {
		return []run.Artifact{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, mapErr("list artifacts "+runID, err)
	}
	defer rows.Close()

	artifacts := []run.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// --- Inbox ---

func (s *Store) InboxMarkSeen(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO inbox (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, mapErr("inbox mark seen", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) InboxHas(ctx context.Context, key string) (bool, error) {
	var seen bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inbox WHERE key = $1)`, key).Scan(&seen); err != nil {
		return false, mapErr("inbox has", err)
	}
	return seen, nil
}

func (s *Store) InboxDeleteKey(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE key = $1`, key); err != nil {
		return mapErr("inbox delete", err)
	}
	return nil
}

// --- Outbox ---

const outboxColumns = `id, topic, payload, sent, attempts, last_error, created_at, sent_at`

func scanOutbox(row scannable) (outbox.Message, error) {
	var (
		m   outbox.Message
		raw []byte
	)
	if err := row.Scan(&m.ID, &m.Topic, &raw, &m.Sent, &m.Attempts, &m.LastError, &m.CreatedAt, &m.SentAt); err != nil {
		return m, err
	}
	m.Payload = json.RawMessage(raw)
	return m, nil
}

func (s *Store) OutboxAdd(ctx context.Context, topic string, payload []byte) (*outbox.Message, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("outbox add %s: payload is not JSON: %w", topic, domain.ErrValidation)
	}
	m, err := scanOutbox(s.pool.QueryRow(ctx,
		`INSERT INTO outbox (topic, payload, created_at) VALUES ($1, $2, $3) RETURNING `+outboxColumns,
		topic, payload, s.now()))
	if err != nil {
		return nil, mapErr("outbox add", err)
	}
	return &m, nil
}

func (s *Store) OutboxListUnsent(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE NOT sent ORDER BY created_at, id LIMIT $1`,
		limitArg(limit))
	if err != nil {
		return nil, mapErr("outbox list unsent", err)
	}
	defer rows.Close()

	var msgs []outbox.Message
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) OutboxMarkSent(ctx context.Context, id string) error {
	if err := checkID("outbox mark sent", "message", id); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox SET sent = TRUE, sent_at = COALESCE(sent_at, $2) WHERE id = $1`, id, s.now())
	return execExpectOne("outbox mark sent", tag, err)
}

func (s *Store) OutboxMarkFailed(ctx context.Context, id, reason string) error {
	if err := checkID("outbox mark failed", "message", id); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
	return execExpectOne("outbox mark failed", tag, err)
}
