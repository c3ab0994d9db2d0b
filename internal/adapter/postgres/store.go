package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/resilience"
)

// ChannelEvents is the NOTIFY channel carrying the run id of every new event.
const ChannelEvents = "runplane_events"

// Store implements database.Store using PostgreSQL.
//
// Every operation that changes a run or its steps locks the run row first,
// so transitions of one run are serialized while different runs proceed in
// parallel. Serialization failures and deadlocks are retried with the
// configured policy.
type Store struct {
	pool     *pgxpool.Pool
	retry    resilience.Policy
	now      func() time.Time
	finished []func(context.Context, run.Run)
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy sets the policy for transient transaction conflicts.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// WithRunFinished registers fn to be called once for every run that a
// committed transaction moved to a terminal status.
func WithRunFinished(fn func(context.Context, run.Run)) Option {
	return func(s *Store) { s.finished = append(s.finished, fn) }
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:  pool,
		retry: resilience.Policy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2, Jitter: 0.5},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return domain.NewStoreError("ping", domain.StoreUnavailable, err)
	}
	return nil
}

// txn is one attempt of a read-write transaction.
type txn struct {
	pgx.Tx
	now      time.Time
	notified map[string]bool
	ended    []run.Run
}

// write runs fn in a transaction, retrying on serialization failures and
// deadlocks. fn may run more than once and must only assign its results.
func (s *Store) write(ctx context.Context, op string, fn func(ctx context.Context, tx *txn) error) error {
	var ended []run.Run
	err := resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
		done, err := s.attempt(ctx, fn)
		if err == nil {
			ended = done
			return nil
		}
		if isRetriable(err) {
			return err
		}
		return resilience.Permanent(err)
	}, func(err error, wait time.Duration) {
		slog.Warn("store transaction retry", "op", op, "error", err, "wait", wait)
	})
	if err != nil {
		return mapErr(op, err)
	}
	for _, r := range ended {
		for _, fn := range s.finished {
			fn(ctx, r)
		}
	}
	return nil
}

// attempt runs fn in one transaction and returns the runs it finished.
func (s *Store) attempt(ctx context.Context, fn func(ctx context.Context, tx *txn) error) ([]run.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	t := &txn{Tx: tx, now: s.now(), notified: make(map[string]bool)}
	if err := fn(ctx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t.ended, nil
}

// record appends an event with the run's next sequence number. The NOTIFY
// is delivered to listeners only when the transaction commits.
func (t *txn) record(ctx context.Context, runID, stepID string, typ event.Type, payload map[string]any) (event.Event, error) {
	raw, err := event.MarshalPayload(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	ev := event.Event{RunID: runID, StepID: stepID, Type: typ, Payload: raw, CreatedAt: t.now}
	err = t.QueryRow(ctx,
		`WITH next AS (UPDATE runs SET event_seq = event_seq + 1 WHERE id = $1 RETURNING event_seq)
		 INSERT INTO events (run_id, step_id, seq, type, payload, created_at)
		 SELECT $1, $2, next.event_seq, $3, $4, $5 FROM next
		 RETURNING id, seq`,
		runID, nullIfEmpty(stepID), string(typ), []byte(raw), t.now).Scan(&ev.ID, &ev.Seq)
	if err != nil {
		return event.Event{}, err
	}
	if !t.notified[runID] {
		if _, err := t.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelEvents, runID); err != nil {
			return event.Event{}, fmt.Errorf("notify: %w", err)
		}
		t.notified[runID] = true
	}
	return ev, nil
}

func (t *txn) addOutbox(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = t.Exec(ctx,
		`INSERT INTO outbox (topic, payload, created_at) VALUES ($1, $2, $3)`,
		topic, raw, t.now)
	return err
}

// lockRun loads the run and holds its row lock until the transaction ends.
func (t *txn) lockRun(ctx context.Context, op, id string) (*run.Run, error) {
	if err := checkID(op, "run", id); err != nil {
		return nil, err
	}
	r, err := scanRun(t.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(op, err)
	}
	return &r, nil
}

func (t *txn) saveRun(ctx context.Context, r *run.Run) error {
	r.UpdatedAt = t.now
	_, err := t.Exec(ctx,
		`UPDATE runs SET status = $2, error = $3, updated_at = $4, started_at = $5, ended_at = $6, completed_at = $7
		 WHERE id = $1`,
		r.ID, string(r.Status), r.Error, r.UpdatedAt, r.StartedAt, r.EndedAt, r.CompletedAt)
	return err
}

func (t *txn) remaining(ctx context.Context, runID string) (remaining, running int, failed bool, err error) {
	err = t.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status IN ('queued', 'waiting', 'running')),
		        count(*) FILTER (WHERE status = 'running'),
		        COALESCE(bool_or(status = 'failed'), FALSE)
		 FROM steps WHERE run_id = $1`, runID).Scan(&remaining, &running, &failed)
	return remaining, running, failed, err
}

// finish moves r to a terminal status and writes its event and outbox row.
func (t *txn) finish(ctx context.Context, r *run.Run, status run.Status, reason string) error {
	now := t.now
	r.Status = status
	r.EndedAt = &now
	if status == run.StatusSucceeded {
		r.CompletedAt = &now
	}
	if reason != "" {
		r.Error = reason
	}
	if err := t.saveRun(ctx, r); err != nil {
		return err
	}

	typ := event.TypeRunFailed
	switch status {
	case run.StatusSucceeded:
		typ = event.TypeRunSucceeded
	case run.StatusCancelled:
		typ = event.TypeRunCancelled
	}
	payload := map[string]any{"status": string(status)}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := t.record(ctx, r.ID, "", typ, payload); err != nil {
		return err
	}
	t.ended = append(t.ended, *r)
	return t.addOutbox(ctx, outbox.TopicForRunStatus(string(status)), outbox.RunFinished{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		Status:    string(status),
		Error:     r.Error,
	})
}

// cancelPending cancels the run's queued and waiting steps.
func (t *txn) cancelPending(ctx context.Context, runID, reason string) error {
	steps, err := t.stepsOf(ctx, runID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		if st.Status != run.StepQueued && st.Status != run.StepWaiting {
			continue
		}
		t.setStepEnded(st, run.StepCancelled)
		if err := t.saveStep(ctx, st); err != nil {
			return err
		}
		if _, err := t.record(ctx, runID, st.ID, event.TypeStepCancelled, map[string]any{"reason": reason}); err != nil {
			return err
		}
	}
	return nil
}

// --- Runs ---

const runColumns = `id, project_id, status, plan, error, created_at, updated_at, started_at, ended_at, completed_at`

func scanRun(row scannable) (run.Run, error) {
	var (
		r       run.Run
		status  string
		planRaw []byte
	)
	err := row.Scan(&r.ID, &r.ProjectID, &status, &planRaw, &r.Error,
		&r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.EndedAt, &r.CompletedAt)
	if err != nil {
		return r, err
	}
	r.Status = run.Status(status)
	if err := json.Unmarshal(planRaw, &r.Plan); err != nil {
		return r, fmt.Errorf("unmarshal plan: %w", err)
	}
	return r, nil
}

func (s *Store) CreateRun(ctx context.Context, req run.CreateRequest) (*run.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	planJSON, err := json.Marshal(req.Plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	var out run.Run
	err = s.write(ctx, "create run", func(ctx context.Context, tx *txn) error {
		r, err := scanRun(tx.QueryRow(ctx,
			`INSERT INTO runs (project_id, status, plan, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4)
			 RETURNING `+runColumns,
			req.ProjectID, string(run.StatusQueued), planJSON, tx.now))
		if err != nil {
			return err
		}
		if _, err := tx.record(ctx, r.ID, "", event.TypeRunCreated, map[string]any{
			"goal":       r.Plan.Goal,
			"steps":      len(r.Plan.Steps),
			"project_id": r.ProjectID,
		}); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	if err := checkID("get run", "run", id); err != nil {
		return nil, err
	}
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get run "+id, err)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, filter run.ListFilter) (*run.ListResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	filter.Normalize()

	const where = `WHERE ($1 = '' OR project_id = $1) AND ($2 = '' OR status = $2)`
	res := &run.ListResult{}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM runs `+where,
		filter.ProjectID, string(filter.Status)).Scan(&res.Total); err != nil {
		return nil, mapErr("count runs", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		filter.ProjectID, string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, mapErr("list runs", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		res.Runs = append(res.Runs, r)
	}
	res.Runs = orEmpty(res.Runs)
	return res, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, id string, patch run.RunPatch) (*run.Run, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out run.Run
	err := s.write(ctx, "update run", func(ctx context.Context, tx *txn) error {
		r, err := tx.lockRun(ctx, "update run", id)
		if err != nil {
			return err
		}
		payload := map[string]any{}
		if patch.Status != nil && *patch.Status != r.Status {
			if patch.Status.IsTerminal() {
				rem, _, _, err := tx.remaining(ctx, id)
				if err != nil {
					return err
				}
				if rem > 0 {
					return domain.NewStoreError("update run", domain.StoreConflict,
						fmt.Errorf("run %s has %d remaining steps", id, rem))
				}
				now := tx.now
				r.EndedAt = &now
				if *patch.Status == run.StatusSucceeded {
					r.CompletedAt = &now
				}
			}
			payload["from"] = string(r.Status)
			payload["status"] = string(*patch.Status)
			r.Status = *patch.Status
		}
		if patch.Error != nil {
			r.Error = *patch.Error
			payload["error"] = r.Error
		}
		if err := tx.saveRun(ctx, r); err != nil {
			return err
		}
		if _, err := tx.record(ctx, id, "", event.TypeRunUpdated, payload); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ResetRun(ctx context.Context, id string) (*run.Run, error) {
	var out run.Run
	err := s.write(ctx, "reset run", func(ctx context.Context, tx *txn) error {
		r, err := tx.lockRun(ctx, "reset run", id)
		if err != nil {
			return err
		}
		from := r.Status
		r.Status = run.StatusQueued
		r.Error = ""
		r.StartedAt, r.EndedAt, r.CompletedAt = nil, nil, nil
		if err := tx.saveRun(ctx, r); err != nil {
			return err
		}
		if _, err := tx.record(ctx, id, "", event.TypeRunReset, map[string]any{"from": string(from)}); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) CancelRun(ctx context.Context, id, reason string) (*run.Run, error) {
	return s.endRun(ctx, "cancel run", id, run.StatusCancelled, reason)
}

func (s *Store) AbortRun(ctx context.Context, id, reason string) (*run.Run, error) {
	return s.endRun(ctx, "abort run", id, run.StatusFailed, reason)
}

func (s *Store) endRun(ctx context.Context, op, id string, status run.Status, reason string) (*run.Run, error) {
	var out run.Run
	err := s.write(ctx, op, func(ctx context.Context, tx *txn) error {
		r, err := tx.lockRun(ctx, op, id)
		if err != nil {
			return err
		}
		if !r.Status.IsTerminal() {
			if err := tx.cancelPending(ctx, id, "run "+string(status)); err != nil {
				return err
			}
			if err := tx.finish(ctx, r, status, reason); err != nil {
				return err
			}
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Events ---

const eventColumns = `id, run_id, COALESCE(step_id::text, ''), type, payload, seq, created_at`

func scanEvent(row scannable) (event.Event, error) {
	var (
		ev  event.Event
		typ string
		raw []byte
	)
	if err := row.Scan(&ev.ID, &ev.RunID, &ev.StepID, &typ, &raw, &ev.Seq, &ev.CreatedAt); err != nil {
		return ev, err
	}
	ev.Type = event.Type(typ)
	ev.Payload = json.RawMessage(raw)
	return ev, nil
}

func (s *Store) RecordEvent(ctx context.Context, rec event.Record) (*event.Event, error) {
	if err := checkID("record event", "run", rec.RunID); err != nil {
		return nil, err
	}
	var out event.Event
	err := s.write(ctx, "record event", func(ctx context.Context, tx *txn) error {
		ev, err := tx.record(ctx, rec.RunID, rec.StepID, rec.Type, rec.Payload)
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]event.Event, error) {
	return s.ListEventsAfter(ctx, runID, 0, 0)
}

func (s *Store) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]event.Event, error) {
	if checkID("list events", "run", runID) != nil {
		return []event.Event{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE run_id = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`, runID, afterSeq, limitArg(limit))
	if err != nil {
		return nil, mapErr("list events "+runID, err)
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
