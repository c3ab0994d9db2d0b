package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Runplane/internal/adapter/builtin"
	"github.com/Strob0t/Runplane/internal/adapter/memory"
	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
	"github.com/Strob0t/Runplane/internal/port/toolexec"
	"github.com/Strob0t/Runplane/internal/resilience"
	"github.com/Strob0t/Runplane/internal/service"
)

var errQueueDown = errors.New("queue down")

// fakeQueue records published step messages so tests can hand them to the
// worker one by one.
type fakeQueue struct {
	mu        sync.Mutex
	published [][]byte
	failNext  int   // fail this many publishes, then recover
	err       error // fail every publish while set
	handler   messagequeue.Handler
}

var _ messagequeue.Queue = (*fakeQueue)(nil)

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.failNext > 0 {
		q.failNext--
		return errQueueDown
	}
	q.published = append(q.published, append([]byte(nil), data...))
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, _ string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	return func() {}, nil
}

// deliver hands data to the subscribed handler the way a transport would.
func (q *fakeQueue) deliver(ctx context.Context, data []byte) error {
	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()
	return h(ctx, messagequeue.SubjectStepReady, data)
}

func (q *fakeQueue) HasSubscribers(context.Context, string) (bool, error) { return false, nil }

func (q *fakeQueue) OldestAge(context.Context, string) (time.Duration, error) { return 0, nil }

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) setErr(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

// take returns and clears the published messages.
func (q *fakeQueue) take() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.published
	q.published = nil
	return out
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

func decodeReady(t *testing.T, data []byte) messagequeue.StepReadyPayload {
	t.Helper()
	var p messagequeue.StepReadyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode step ready: %v", err)
	}
	return p
}

func fastPolicy(attempts int) resilience.Policy {
	return resilience.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

type harness struct {
	store      *memory.Store
	queue      *fakeQueue
	tools      *toolexec.Registry
	dispatcher *service.Dispatcher
	gates      *service.GateManager
	recovery   *service.RunRecovery
	worker     *service.Worker
	runs       *service.RunService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memory.NewStore(),
		queue: &fakeQueue{},
		tools: toolexec.NewRegistry(),
	}
	builtin.Register(h.tools)
	h.tools.Register("codegen", toolexec.ExecutorFunc(func(_ context.Context, req toolexec.Request) (*toolexec.Result, error) {
		return &toolexec.Result{
			Outputs:   run.Values{"step": req.StepID},
			Artifacts: []run.ArtifactSpec{{Type: "file", Path: "main.go"}},
		}, nil
	}))

	h.dispatcher = service.NewDispatcher(h.store, h.queue, fastPolicy(3), nil)
	h.gates = service.NewGateManager(h.store, h.dispatcher)
	h.recovery = service.NewRunRecovery(h.store, h.dispatcher, 3)
	h.worker = service.NewWorker(h.store, h.queue, h.tools, h.dispatcher, nil,
		config.Worker{Concurrency: 1, StepTimeout: time.Second}, fastPolicy(3), nil)
	timeline := service.NewTimeline(h.store, nil, config.Timeline{PollInterval: 5 * time.Millisecond})
	h.runs = service.NewRunService(h.store, h.dispatcher, h.gates, h.recovery, timeline)
	return h
}

// process hands every published message to the worker until none are left.
func (h *harness) process(t *testing.T) int {
	t.Helper()
	handled := 0
	for range 100 {
		msgs := h.queue.take()
		if len(msgs) == 0 {
			return handled
		}
		for _, m := range msgs {
			if err := h.worker.Handle(context.Background(), m); err != nil {
				t.Fatalf("handle: %v", err)
			}
			handled++
		}
	}
	t.Fatal("queue did not settle")
	return handled
}

func (h *harness) eventTypes(t *testing.T, runID string) []event.Type {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	return event.Types(evs)
}

func countType(types []event.Type, want event.Type) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

// containsInOrder reports whether want is a subsequence of got.
func containsInOrder(got, want []event.Type) bool {
	i := 0
	for _, typ := range got {
		if i < len(want) && typ == want[i] {
			i++
		}
	}
	return i == len(want)
}

func stepByName(t *testing.T, h *harness, runID, name string) run.Step {
	t.Helper()
	steps, err := h.store.ListSteps(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("step %q not found", name)
	return run.Step{}
}
