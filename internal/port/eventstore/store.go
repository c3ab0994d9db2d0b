// Package eventstore defines the port interfaces for the append-only run timeline.
package eventstore

import (
	"context"

	"github.com/Strob0t/Runplane/internal/domain/event"
)

// Store appends and loads run events. Events of a run are totally ordered by Seq.
type Store interface {
	// RecordEvent appends an event and assigns the next sequence number of its run.
	RecordEvent(ctx context.Context, rec event.Record) (*event.Event, error)

	// ListEvents returns all events of a run in ascending sequence order.
	ListEvents(ctx context.Context, runID string) ([]event.Event, error)

	// ListEventsAfter returns at most limit events with Seq > afterSeq.
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]event.Event, error)
}

// Notifier wakes timeline subscribers when a run records a new event.
// A notification carries no data; subscribers re-read the store.
type Notifier interface {
	// Watch returns a channel signalled after each new event of runID and
	// a function that stops the watch.
	Watch(runID string) (<-chan struct{}, func())
}
