// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/port/eventstore"
)

// RunStore persists runs.
type RunStore interface {
	// CreateRun inserts a queued run and records run.created.
	CreateRun(ctx context.Context, req run.CreateRequest) (*run.Run, error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, filter run.ListFilter) (*run.ListResult, error)
	UpdateRun(ctx context.Context, id string, patch run.RunPatch) (*run.Run, error)
	// ResetRun clears terminal fields and moves the run back to queued.
	ResetRun(ctx context.Context, id string) (*run.Run, error)
	// CancelRun cancels the run and its not yet started steps. A terminal
	// run is returned unchanged.
	CancelRun(ctx context.Context, id, reason string) (*run.Run, error)
	// AbortRun fails the run and cancels its not yet started steps.
	AbortRun(ctx context.Context, id, reason string) (*run.Run, error)
}

// StepStore persists steps and performs the verified step transitions.
type StepStore interface {
	// CreateStep is get-or-create by idempotency key.
	CreateStep(ctx context.Context, req run.CreateStepRequest) (run.CreateStepResult, error)
	GetStep(ctx context.Context, id string) (*run.Step, error)
	ListSteps(ctx context.Context, runID string) ([]run.Step, error)
	UpdateStep(ctx context.Context, id string, patch run.StepPatch) (*run.Step, error)
	// ResetStep moves a step back to queued and increments its attempt. It
	// re-checks run.CheckRetry on the locked rows and returns an error
	// wrapping domain.ErrNotRetryable when the step may not be reset.
	ResetStep(ctx context.Context, id string, maxAttempts int) (*run.Step, error)
	CountRemainingSteps(ctx context.Context, runID string) (int, error)

	// StartStep moves a queued step to running. It returns ErrConflict when
	// the step is no longer queued.
	StartStep(ctx context.Context, id string) (*run.Step, error)
	// CompleteStep records the result and finalizes the run when it was
	// the last remaining step.
	CompleteStep(ctx context.Context, id string, result run.StepResult) (*run.Step, error)
	// FailStep records the failure and fails the run.
	FailStep(ctx context.Context, id, reason string) (*run.Step, error)
	// ListStaleSteps returns steps in a status last updated before the cutoff.
	ListStaleSteps(ctx context.Context, filter run.StaleFilter) ([]run.Step, error)
}

// GateStore persists manual-approval gates.
type GateStore interface {
	CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*run.Gate, error)
	GetGate(ctx context.Context, id string) (*run.Gate, error)
	GetLatestGate(ctx context.Context, runID, stepID string) (*run.Gate, error)
	ListGates(ctx context.Context, runID string) ([]run.Gate, error)
	UpdateGate(ctx context.Context, id string, patch run.GatePatch) (*run.Gate, error)
	// OpenGate get-or-creates the gate and parks the step in waiting.
	OpenGate(ctx context.Context, runID, stepID, gateType string) (*run.Gate, error)
	// ApproveGate approves the gate and requeues its step. changed is false
	// when the gate was already approved.
	ApproveGate(ctx context.Context, id, approvedBy string) (gate *run.Gate, changed bool, err error)
}

// ArtifactStore persists step artifacts.
type ArtifactStore interface {
	AddArtifact(ctx context.Context, runID, stepID string, spec run.ArtifactSpec) (*run.Artifact, error)
	ListArtifactsByRun(ctx context.Context, runID string) ([]run.Artifact, error)
}

// ReliabilityStore holds the inbox dedup ledger and the outbox.
type ReliabilityStore interface {
	// InboxMarkSeen returns true on the first sighting of key.
	InboxMarkSeen(ctx context.Context, key string) (bool, error)
	InboxHas(ctx context.Context, key string) (bool, error)
	InboxDeleteKey(ctx context.Context, key string) error

	OutboxAdd(ctx context.Context, topic string, payload []byte) (*outbox.Message, error)
	OutboxListUnsent(ctx context.Context, limit int) ([]outbox.Message, error)
	OutboxMarkSent(ctx context.Context, id string) error
	OutboxMarkFailed(ctx context.Context, id, reason string) error
}

// Store is the port interface for database operations.
type Store interface {
	RunStore
	StepStore
	eventstore.Store
	GateStore
	ArtifactStore
	ReliabilityStore

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
