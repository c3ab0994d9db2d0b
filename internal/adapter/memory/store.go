// Package memory implements database.Store in process memory. It keeps the
// same transactional semantics as the PostgreSQL adapter by serializing every
// operation behind one mutex, and is used for tests and single-node dev mode.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

// Store implements database.Store in memory.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	runs      map[string]*run.Run
	steps     map[string]*run.Step
	runSteps  map[string][]string // run id -> step ids in creation order
	stepKeys  map[string]string   // idempotency key -> step id
	events    map[string][]event.Event
	gates     map[string]*run.Gate
	gateKeys  map[string]string // run|step|type -> gate id
	artifacts map[string][]run.Artifact
	inbox     map[string]time.Time
	outbox    []*outbox.Message

	hooksMu  sync.RWMutex
	hooks    []func(event.Event)
	finished []func(context.Context, run.Run)
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		runs:      make(map[string]*run.Run),
		steps:     make(map[string]*run.Step),
		runSteps:  make(map[string][]string),
		stepKeys:  make(map[string]string),
		events:    make(map[string][]event.Event),
		gates:     make(map[string]*run.Gate),
		gateKeys:  make(map[string]string),
		artifacts: make(map[string][]run.Artifact),
		inbox:     make(map[string]time.Time),
	}
}

// OnEvent registers fn to be called after every committed event.
// Hooks run outside the store lock.
func (s *Store) OnEvent(fn func(event.Event)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// OnRunFinished registers fn to be called once for every run that a write
// moved to a terminal status. fn runs outside the store lock.
func (s *Store) OnRunFinished(fn func(context.Context, run.Run)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.finished = append(s.finished, fn)
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// txn collects events recorded while the lock is held so hooks fire after
// the lock is released.
type txn struct {
	s       *Store
	now     time.Time
	emitted []event.Event
	ended   []run.Run
}

func (s *Store) write(fn func(tx *txn) error) error {
	s.mu.Lock()
	tx := &txn{s: s, now: s.now()}
	err := fn(tx)
	s.mu.Unlock()

	if err != nil || len(tx.emitted) == 0 {
		return err
	}
	s.hooksMu.RLock()
	hooks := slices.Clone(s.hooks)
	finished := slices.Clone(s.finished)
	s.hooksMu.RUnlock()
	for _, ev := range tx.emitted {
		for _, h := range hooks {
			h(ev)
		}
	}
	for _, r := range tx.ended {
		for _, fn := range finished {
			fn(context.Background(), r)
		}
	}
	return nil
}

func (tx *txn) record(runID, stepID string, typ event.Type, payload map[string]any) event.Event {
	raw, err := event.MarshalPayload(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	evs := tx.s.events[runID]
	ev := event.Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		Type:      typ,
		Payload:   raw,
		Seq:       int64(len(evs)) + 1,
		CreatedAt: tx.now,
	}
	tx.s.events[runID] = append(evs, ev)
	tx.emitted = append(tx.emitted, ev)
	return ev
}

func (tx *txn) addOutbox(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	tx.s.outbox = append(tx.s.outbox, &outbox.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   raw,
		CreatedAt: tx.now,
	})
}

func (tx *txn) getRun(op, id string) (*run.Run, error) {
	r, ok := tx.s.runs[id]
	if !ok {
		return nil, domain.NewStoreError(op, domain.StoreNotFound, fmt.Errorf("run %s", id))
	}
	return r, nil
}

func (tx *txn) getStep(op, id string) (*run.Step, error) {
	st, ok := tx.s.steps[id]
	if !ok {
		return nil, domain.NewStoreError(op, domain.StoreNotFound, fmt.Errorf("step %s", id))
	}
	return st, nil
}

func (tx *txn) stepsOf(runID string) []*run.Step {
	ids := tx.s.runSteps[runID]
	out := make([]*run.Step, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.s.steps[id])
	}
	return out
}

func (tx *txn) remaining(runID string) (remaining, running int, failed bool) {
	for _, st := range tx.stepsOf(runID) {
		if st.Status.IsRemaining() {
			remaining++
		}
		if st.Status == run.StepRunning {
			running++
		}
		if st.Status == run.StepFailed {
			failed = true
		}
	}
	return remaining, running, failed
}

// finish moves r to a terminal status and writes its event and outbox row.
func (tx *txn) finish(r *run.Run, status run.Status, reason string) {
	now := tx.now
	r.Status = status
	r.UpdatedAt = now
	r.EndedAt = &now
	if status == run.StatusSucceeded {
		r.CompletedAt = &now
	}
	if reason != "" {
		r.Error = reason
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
	tx.record(r.ID, "", typ, payload)
	tx.ended = append(tx.ended, *r)
	tx.addOutbox(outbox.TopicForRunStatus(string(status)), outbox.RunFinished{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		Status:    string(status),
		Error:     r.Error,
	})
}

// cancelPending cancels the run's queued and waiting steps.
func (tx *txn) cancelPending(runID, reason string) {
	for _, st := range tx.stepsOf(runID) {
		if st.Status != run.StepQueued && st.Status != run.StepWaiting {
			continue
		}
		tx.setStepEnded(st, run.StepCancelled)
		tx.record(runID, st.ID, event.TypeStepCancelled, map[string]any{"reason": reason})
	}
}

func (tx *txn) setStepEnded(st *run.Step, status run.StepStatus) {
	now := tx.now
	st.Status = status
	st.UpdatedAt = now
	st.EndedAt = &now
	if status == run.StepCompleted {
		st.CompletedAt = &now
	}
}

// --- Runs ---

func (s *Store) CreateRun(_ context.Context, req run.CreateRequest) (*run.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out run.Run
	err := s.write(func(tx *txn) error {
		r := &run.Run{
			ID:        uuid.NewString(),
			ProjectID: req.ProjectID,
			Status:    run.StatusQueued,
			Plan:      req.Plan,
			CreatedAt: tx.now,
			UpdatedAt: tx.now,
		}
		s.runs[r.ID] = r
		tx.record(r.ID, "", event.TypeRunCreated, map[string]any{
			"goal":       r.Plan.Goal,
			"steps":      len(r.Plan.Steps),
			"project_id": r.ProjectID,
		})
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
	}
	out := *r
	return &out, nil
}

func (s *Store) ListRuns(_ context.Context, filter run.ListFilter) (*run.ListResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	filter.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]run.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.ProjectID != "" && r.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		matched = append(matched, *r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	res := &run.ListResult{Runs: []run.Run{}, Total: len(matched)}
	if filter.Offset < len(matched) {
		end := min(filter.Offset+filter.Limit, len(matched))
		res.Runs = matched[filter.Offset:end]
	}
	return res, nil
}

func (s *Store) UpdateRun(_ context.Context, id string, patch run.RunPatch) (*run.Run, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out run.Run
	err := s.write(func(tx *txn) error {
		r, err := tx.getRun("update run", id)
		if err != nil {
			return err
		}
		payload := map[string]any{}
		if patch.Status != nil && *patch.Status != r.Status {
			if patch.Status.IsTerminal() {
				if rem, _, _ := tx.remaining(id); rem > 0 {
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
		r.UpdatedAt = tx.now
		tx.record(id, "", event.TypeRunUpdated, payload)
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ResetRun(_ context.Context, id string) (*run.Run, error) {
	var out run.Run
	err := s.write(func(tx *txn) error {
		r, err := tx.getRun("reset run", id)
		if err != nil {
			return err
		}
		from := r.Status
		r.Status = run.StatusQueued
		r.Error = ""
		r.StartedAt, r.EndedAt, r.CompletedAt = nil, nil, nil
		r.UpdatedAt = tx.now
		tx.record(id, "", event.TypeRunReset, map[string]any{"from": string(from)})
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) CancelRun(_ context.Context, id, reason string) (*run.Run, error) {
	return s.endRun("cancel run", id, run.StatusCancelled, reason)
}

func (s *Store) AbortRun(_ context.Context, id, reason string) (*run.Run, error) {
	return s.endRun("abort run", id, run.StatusFailed, reason)
}

func (s *Store) endRun(op, id string, status run.Status, reason string) (*run.Run, error) {
	var out run.Run
	err := s.write(func(tx *txn) error {
		r, err := tx.getRun(op, id)
		if err != nil {
			return err
		}
		if !r.Status.IsTerminal() {
			tx.cancelPending(id, "run "+string(status))
			tx.finish(r, status, reason)
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

func (s *Store) RecordEvent(_ context.Context, rec event.Record) (*event.Event, error) {
	var out event.Event
	err := s.write(func(tx *txn) error {
		if _, err := tx.getRun("record event", rec.RunID); err != nil {
			return err
		}
		out = tx.record(rec.RunID, rec.StepID, rec.Type, rec.Payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListEvents(_ context.Context, runID string) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events[runID]), nil
}

func (s *Store) ListEventsAfter(_ context.Context, runID string, afterSeq int64, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.events[runID]
	// Seq is 1-based and dense, so the slice index of seq n is n-1.
	start := int(max(afterSeq, 0))
	if start >= len(evs) {
		return []event.Event{}, nil
	}
	end := len(evs)
	if limit > 0 {
		end = min(start+limit, len(evs))
	}
	return slices.Clone(evs[start:end]), nil
}
