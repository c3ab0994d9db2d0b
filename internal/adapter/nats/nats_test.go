package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
	"github.com/Strob0t/Runplane/internal/port/toolexec"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), Options{URL: url, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a test subject under "steps." which the stream
// captures and the validator accepts as any valid JSON.
func uniqueSubject(t *testing.T) string {
	t.Helper()
	return "steps.test." + t.Name() + "." + strconv.FormatInt(time.Now().UnixNano(), 10)
}

type delivery struct {
	ctx  context.Context
	data []byte
}

// receiveOne subscribes to subject and returns a channel carrying the
// first delivery.
func receiveOne(t *testing.T, q *Queue, subject string) <-chan delivery {
	t.Helper()
	got := make(chan delivery, 1)
	var once sync.Once
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, data []byte) error {
		once.Do(func() { got <- delivery{ctx: ctx, data: data} })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(stop)
	return got
}

// watchDLQ reads subject's dead-letter subject with a raw consumer, so
// entries skip the validator, and reports the first one match accepts.
func watchDLQ(t *testing.T, q *Queue, subject string, match func(jetstream.Msg) bool) <-chan jetstream.Msg {
	t.Helper()
	ctx := context.Background()
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.opts.Stream, jetstream.ConsumerConfig{
		FilterSubject: subject + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}

	got := make(chan jetstream.Msg, 1)
	var once sync.Once
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if match(msg) {
			once.Do(func() { got <- msg })
		}
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(cc.Stop)
	return got
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestQueue_StepReadyRoundTrip(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)
	got := receiveOne(t, q, subject)

	want := messagequeue.StepReadyPayload{RunID: "run-1", StepID: "step-build", Attempt: 2}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var p messagequeue.StepReadyPayload
	if err := json.Unmarshal(await(t, got, "step message").data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p != want {
		t.Errorf("payload = %+v, want %+v", p, want)
	}
}

func TestQueue_RequestIDReachesHandler(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)
	got := receiveOne(t, q, subject)

	ctx := logger.WithRequestID(context.Background(), "req-run-42")
	if err := q.Publish(ctx, subject, []byte(`{"run_id":"run-42","step_id":"s1","attempt":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id := logger.RequestID(await(t, got, "step message").ctx); id != "req-run-42" {
		t.Errorf("request id = %q", id)
	}
}

func TestQueue_InvalidStepReadyIsDeadLettered(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := messagequeue.SubjectStepReady

	// Earlier runs may have left messages behind; ack whatever arrives.
	stop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	marker := `{"run_id":"","step_id":"` + strconv.FormatInt(time.Now().UnixNano(), 10) + `"}`
	dead := watchDLQ(t, q, subject, func(m jetstream.Msg) bool { return string(m.Data()) == marker })

	if err := q.Publish(ctx, subject, []byte(marker)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg := await(t, dead, "dead letter")
	if reason := msg.Headers().Get(headerDLQReason); !strings.Contains(reason, "run_id and step_id are required") {
		t.Errorf("%s = %q", headerDLQReason, reason)
	}
}

func TestQueue_ExhaustedRetriesAreDeadLettered(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := uniqueSubject(t)
	payload := `{"run_id":"run-9","step_id":"flaky","attempt":3}`
	dead := watchDLQ(t, q, subject, func(jetstream.Msg) bool { return true })

	stop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	// A replayed message carries its retries, so one more failure exhausts it.
	msg := nats.NewMsg(subject)
	msg.Data = []byte(payload)
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	dl := await(t, dead, "dead letter")
	if string(dl.Data()) != payload {
		t.Errorf("data = %s", dl.Data())
	}
	if dl.Headers().Get(headerDLQReason) != errAlwaysFail.Error() {
		t.Errorf("%s = %q", headerDLQReason, dl.Headers().Get(headerDLQReason))
	}
}

func TestQueue_KeyValueStoresReplays(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-replays-"+strconv.FormatInt(time.Now().UnixNano(), 10), 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}

	key := "idem_create-run_k1"
	for _, body := range []string{`{"id":"run-1"}`, `{"id":"run-2"}`} {
		if _, err := kv.Put(ctx, key, []byte(body)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		entry, err := kv.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(entry.Value()) != body {
			t.Errorf("value = %s, want %s", entry.Value(), body)
		}
	}

	if err := kv.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(ctx, key); !errors.Is(err, jetstream.ErrKeyNotFound) {
		t.Errorf("Get after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
}


func TestQueue_HasSubscribersAndOldestAge(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := uniqueSubject(t)

	has, err := q.HasSubscribers(ctx, subject)
	if err != nil {
		t.Fatalf("HasSubscribers: %v", err)
	}
	if has {
		t.Fatal("HasSubscribers = true before Subscribe")
	}
	age, err := q.OldestAge(ctx, subject)
	if err != nil {
		t.Fatalf("OldestAge: %v", err)
	}
	if age != 0 {
		t.Errorf("OldestAge = %v without consumer, want 0", age)
	}

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, _ []byte) error {
		started <- struct{}{}
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	has, err = q.HasSubscribers(ctx, subject)
	if err != nil || !has {
		t.Fatalf("HasSubscribers = %v, %v; want true", has, err)
	}

	if err := q.Publish(ctx, subject, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	time.Sleep(50 * time.Millisecond)

	age, err = q.OldestAge(ctx, subject)
	if err != nil {
		t.Fatalf("OldestAge: %v", err)
	}
	if age <= 0 {
		t.Errorf("OldestAge = %v while message is unacked, want > 0", age)
	}
	close(release)
}

func TestQueue_PublishWithIDDeduplicates(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := "outbox.test." + strconv.FormatInt(time.Now().UnixNano(), 10)

	var (
		mu    sync.Mutex
		count int
	)
	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, _ []byte) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	data := []byte(`{"id":"m-1","topic":"run.succeeded","payload":{}}`)
	for range 3 {
		if err := q.PublishWithID(ctx, subject, subject+"-m-1", data); err != nil {
			t.Fatalf("PublishWithID: %v", err)
		}
	}

	time.Sleep(time.Second)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("delivered %d times, want 1", count)
	}
}

func TestExecutor_RequestReply(t *testing.T) {
	q := testConnect(t)
	tool := "test" + strconv.FormatInt(time.Now().UnixNano(), 10)

	sub, err := q.Conn().Subscribe(ToolSubject(tool), func(m *nats.Msg) {
		var req messagequeue.ToolExecRequestPayload
		_ = json.Unmarshal(m.Data, &req)
		reply, _ := json.Marshal(messagequeue.ToolExecReplyPayload{
			Outputs:   map[string]any{"echo": req.Inputs["msg"], "attempt": req.Attempt},
			Artifacts: []messagequeue.ArtifactPayload{{Type: "log", Path: "/tmp/out.log"}},
		})
		_ = m.Respond(reply)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ex := NewExecutor(q.Conn(), 5*time.Second)
	res, err := ex.Execute(context.Background(), toolexec.Request{
		RunID: "r1", StepID: "s1", Attempt: 2, Tool: tool, Inputs: map[string]any{"msg": "hi"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outputs["echo"] != "hi" {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Path != "/tmp/out.log" {
		t.Errorf("artifacts = %+v", res.Artifacts)
	}
}

func TestExecutor_ToolError(t *testing.T) {
	q := testConnect(t)
	tool := "fail" + strconv.FormatInt(time.Now().UnixNano(), 10)

	sub, err := q.Conn().Subscribe(ToolSubject(tool), func(m *nats.Msg) {
		reply, _ := json.Marshal(messagequeue.ToolExecReplyPayload{Error: "disk full"})
		_ = m.Respond(reply)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	_, err = NewExecutor(q.Conn(), 5*time.Second).Execute(context.Background(), toolexec.Request{Tool: tool})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("err = %v, want disk full", err)
	}
}

func TestExecutor_NoResponders(t *testing.T) {
	q := testConnect(t)
	_, err := NewExecutor(q.Conn(), time.Second).Execute(context.Background(), toolexec.Request{Tool: "nobody-listens"})
	if !errors.Is(err, toolexec.ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestOutboxSink_PublishesToTopic(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	topic := "test" + strconv.FormatInt(time.Now().UnixNano(), 10)
	subject := messagequeue.SubjectOutboxPrefix + "." + topic

	got := make(chan messagequeue.OutboxPayload, 1)
	stop, err := q.Subscribe(ctx, subject, func(_ context.Context, _ string, data []byte) error {
		var p messagequeue.OutboxPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		got <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	s := NewOutboxSink(q)
	if s.Name() != "nats" {
		t.Errorf("Name = %q", s.Name())
	}
	err = s.Deliver(ctx, outbox.Message{ID: topic + "-1", Topic: topic, Payload: json.RawMessage(`{"run_id":"r1"}`)})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case p := <-got:
		if p.ID != topic+"-1" || string(p.Payload) != `{"run_id":"r1"}` {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbox message")
	}
}

// errAlwaysFail is a sentinel error used by handlers that should always fail.
var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
