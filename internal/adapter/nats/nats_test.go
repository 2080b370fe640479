package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/AgentPR/internal/logger"
	"github.com/Strob0t/AgentPR/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url, "AGENTPR_TEST", nil)
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

func TestDurableName(t *testing.T) {
	tests := map[string]string{
		"runs.commands": "agentpr_runs_commands",
		"runs.state.>":  "agentpr_runs_state_all",
		"runs.*.x":      "agentpr_runs_any_x",
	}
	for in, want := range tests {
		if got := durableName(in); got != want {
			t.Errorf("durableName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQueue_PublishRejectsInvalidPayload(t *testing.T) {
	q := &Queue{}
	err := q.Publish(context.Background(), messagequeue.SubjectRunCommands, []byte(`{"command":"pause"}`))
	if err == nil {
		t.Fatal("expected validation error before touching the connection")
	}
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := messagequeue.StateSubject("CI_WAIT")

	want := messagequeue.StateChangedPayload{RunID: "r-" + t.Name(), From: "PUSHED", To: "CI_WAIT", Seq: 4}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received *messagequeue.StateChangedPayload
		gotReqID string
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, d []byte) error {
		var got messagequeue.StateChangedPayload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		if got.RunID != want.RunID {
			return nil
		}
		mu.Lock()
		received = &got
		gotReqID = logger.RequestID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), "req-abc-123")
	if err := q.Publish(ctx, subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Seq != 4 {
		t.Errorf("seq = %d, want 4", received.Seq)
	}
	if gotReqID != "req-abc-123" {
		t.Errorf("request ID = %q", gotReqID)
	}
}

func TestQueue_DLQ_RetryExhaustion(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := messagequeue.SubjectRunCommands

	dlqConsumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}

	var (
		dlqData []byte
		dlqDone = make(chan struct{})
		dlqOnce sync.Once
	)
	dlqSub, err := dlqConsumer.Consume(func(msg jetstream.Msg) {
		dlqOnce.Do(func() {
			dlqData = msg.Data()
			close(dlqDone)
		})
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	defer dlqSub.Stop()

	mainStop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe main: %v", err)
	}
	defer mainStop()

	payload := []byte(`{"run_id":"dlq-run","command":"pause"}`)
	if err := q.Publish(ctx, subject, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-dlqDone:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
	if string(dlqData) != string(payload) {
		t.Errorf("DLQ data = %q", dlqData)
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "agentpr-test-kv", 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "artifact.r.contract.1", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "artifact.r.contract.1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "hello" {
		t.Errorf("value = %q", entry.Value())
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

// errAlwaysFail is a sentinel error used by handlers that should always fail.
var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
