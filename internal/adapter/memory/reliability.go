package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

// --- Artifacts ---

func (s *Store) AddArtifact(_ context.Context, runID, stepID string, spec run.ArtifactSpec) (*run.Artifact, error) {
	var out run.Artifact
	err := s.write(func(tx *txn) error {
		st, err := tx.getStep("add artifact", stepID)
		if err != nil {
			return err
		}
		if st.RunID != runID {
			return domain.NewStoreError("add artifact", domain.StoreNotFound,
				fmt.Errorf("step %s not in run %s", stepID, runID))
		}
		a := run.Artifact{
			ID:        uuid.NewString(),
			RunID:     runID,
			StepID:    stepID,
			Type:      spec.Type,
			Path:      spec.Path,
			Metadata:  spec.Metadata,
			CreatedAt: tx.now,
		}
		s.artifacts[runID] = append(s.artifacts[runID], a)
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListArtifactsByRun(_ context.Context, runID string) ([]run.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]run.Artifact, len(s.artifacts[runID]))
	copy(out, s.artifacts[runID])
	return out, nil
}

// --- Inbox ---

func (s *Store) InboxMarkSeen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbox[key]; seen {
		return false, nil
	}
	s.inbox[key] = s.now()
	return true, nil
}

func (s *Store) InboxHas(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.inbox[key]
	return seen, nil
}

func (s *Store) InboxDeleteKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbox, key)
	return nil
}

// --- Outbox ---

func (s *Store) OutboxAdd(_ context.Context, topic string, payload []byte) (*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &outbox.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: s.now(),
	}
	s.outbox = append(s.outbox, m)
	out := *m
	return &out, nil
}

func (s *Store) OutboxListUnsent(_ context.Context, limit int) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Message
	for _, m := range s.outbox {
		if m.Sent {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) OutboxMarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.outbox {
		if m.ID == id {
			if !m.Sent {
				now := s.now()
				m.Sent = true
				m.SentAt = &now
			}
			return nil
		}
	}
	return domain.NewStoreError("outbox mark sent", domain.StoreNotFound, fmt.Errorf("message %s", id))
}

func (s *Store) OutboxMarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.outbox {
		if m.ID == id {
			m.Attempts++
			m.LastError = reason
			return nil
		}
	}
	return domain.NewStoreError("outbox mark failed", domain.StoreNotFound, fmt.Errorf("message %s", id))
}
