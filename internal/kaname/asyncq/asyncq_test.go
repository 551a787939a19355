package asyncq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/Kaname/internal/kaname/config"
	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
	"github.com/bdobrica/Kaname/internal/kaname/router"
)

const testCapability = "echo.run"

func newRedisPair(t *testing.T) (*RedisBroker, *RedisControl) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBroker(client), NewRedisControl(client)
}

func newAsyncRouter(t *testing.T, handler registry.Handler) *router.Router {
	t.Helper()
	store, err := persist.New(t.TempDir())
	if err != nil {
		t.Fatalf("persist.New: %v", err)
	}
	reg := registry.New(store, "secret", 15*time.Second)
	result := reg.Register(registry.NodeDescriptor{
		NodeID:                    "echo-node",
		NodeVersion:               "1.0.0",
		EndpointURL:               "inproc://echo-node",
		SupportedProtocolVersions: []string{protocol.Version},
		Capabilities: []registry.CapabilityMetadata{{
			Name:              testCapability,
			Description:       "Echo the payload back.",
			RiskClass:         registry.RiskRead,
			SideEffectScope:   registry.ScopeNone,
			Idempotency:       registry.Idempotent,
			Examples:          []string{"echo hello"},
			CapabilityVersion: "1.0.0",
		}},
		Priority: 100,
		Auth:     registry.NodeAuth{RegistrationToken: "secret"},
	}, handler)
	if !result.OK {
		t.Fatalf("register failed: %s", result.Reason)
	}
	return router.New(reg, config.NewResolver(""), store, "", time.Second)
}

func echoHandler(ctx context.Context, msg *protocol.Message) *protocol.Message {
	return protocol.MakeResponse("echo.result", map[string]any{"echo": msg.Payload["text"]}, msg.MessageID, nil)
}

func eventTypes(t *testing.T, control Control, id string) []string {
	t.Helper()
	events, err := control.Events(context.Background(), id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, event := range events {
		if et, ok := event["event_type"].(string); ok {
			types = append(types, et)
		}
	}
	return types
}

func hasEvent(types []string, want string) bool {
	for _, et := range types {
		if et == want {
			return true
		}
	}
	return false
}

func TestEnqueueRejectsUnroutableIntent(t *testing.T) {
	broker, control := newRedisPair(t)
	rt := newAsyncRouter(t, echoHandler)
	enq := NewEnqueuer(rt, control, broker)

	resp := enq.Enqueue(context.Background(), protocol.New("no.such.capability", nil))
	if !protocol.IsError(resp) || protocol.ErrorCode(resp) != protocol.ErrNoRoute {
		t.Fatalf("expected E_NO_ROUTE, got %v", resp)
	}
}

func TestAsyncDeliveryCompletes(t *testing.T) {
	broker, control := newRedisPair(t)
	rt := newAsyncRouter(t, echoHandler)
	enq := NewEnqueuer(rt, control, broker)
	sink := NewResultSink(control, nil)
	ctx := context.Background()

	msg := protocol.New(testCapability, map[string]any{"text": "hello"})
	accepted := enq.Enqueue(ctx, msg)
	if protocol.IsError(accepted) {
		t.Fatalf("enqueue failed: %s", protocol.ErrorText(accepted))
	}
	if accepted.Payload["status_url"] != "/status/"+msg.MessageID {
		t.Fatalf("status_url = %v", accepted.Payload["status_url"])
	}

	status, err := control.GetStatus(ctx, msg.MessageID)
	if err != nil || status["state"] != StateQueued {
		t.Fatalf("state = %v (err %v), want queued", status, err)
	}

	worker := NewWorker(broker, control, "echo-node", testCapability, echoHandler, sink.Resolve)
	worker.SetRetryDelay(0)
	if err := worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	status, err = control.GetStatus(ctx, msg.MessageID)
	if err != nil || status["state"] != StateCompleted {
		t.Fatalf("state = %v (err %v), want completed", status, err)
	}
	count, err := control.SideEffectCount(ctx, "echo-node", msg.MessageID)
	if err != nil || count != 1 {
		t.Fatalf("side-effect count = %d (err %v), want 1", count, err)
	}
	types := eventTypes(t, control, msg.MessageID)
	for _, want := range []string{"route_enqueued", "worker_received", "worker_completed", "result_received"} {
		if !hasEvent(types, want) {
			t.Fatalf("missing event %q in %v", want, types)
		}
	}
}

func TestDuplicateDeliveryKeepsOneSideEffect(t *testing.T) {
	broker, control := newRedisPair(t)
	rt := newAsyncRouter(t, echoHandler)
	enq := NewEnqueuer(rt, control, broker)
	sink := NewResultSink(control, nil)
	ctx := context.Background()

	msg := protocol.New(testCapability, map[string]any{"text": "once"})
	for i := 0; i < 2; i++ {
		if resp := enq.Enqueue(ctx, msg); protocol.IsError(resp) {
			t.Fatalf("enqueue %d failed: %s", i, protocol.ErrorText(resp))
		}
	}

	worker := NewWorker(broker, control, "echo-node", testCapability, echoHandler, sink.Resolve)
	worker.SetRetryDelay(0)
	for i := 0; i < 2; i++ {
		if err := worker.ProcessOne(ctx); err != nil {
			t.Fatalf("ProcessOne %d: %v", i, err)
		}
	}

	count, err := control.SideEffectCount(ctx, "echo-node", msg.MessageID)
	if err != nil || count != 1 {
		t.Fatalf("side-effect count = %d (err %v), want 1", count, err)
	}
	types := eventTypes(t, control, msg.MessageID)
	if !hasEvent(types, "duplicate_delivery") {
		t.Fatalf("missing duplicate_delivery in %v", types)
	}
	status, err := control.GetStatus(ctx, msg.MessageID)
	if err != nil || status["state"] != StateCompleted {
		t.Fatalf("state = %v (err %v), want completed", status, err)
	}
}

func TestForcedFailureDrainsToDeadLetter(t *testing.T) {
	broker, control := newRedisPair(t)
	rt := newAsyncRouter(t, echoHandler)
	enq := NewEnqueuer(rt, control, broker)
	sink := NewResultSink(control, nil)
	ctx := context.Background()

	msg := protocol.New(testCapability, map[string]any{"text": "boom", "force_error": true})
	if resp := enq.Enqueue(ctx, msg); protocol.IsError(resp) {
		t.Fatalf("enqueue failed: %s", protocol.ErrorText(resp))
	}

	worker := NewWorker(broker, control, "echo-node", testCapability, echoHandler, sink.Resolve)
	worker.SetRetryDelay(0)
	for i := 0; i < DefaultMaxAttempts; i++ {
		if err := worker.ProcessOne(ctx); err != nil {
			t.Fatalf("ProcessOne %d: %v", i, err)
		}
	}

	status, err := control.GetStatus(ctx, msg.MessageID)
	if err != nil || status["state"] != StateDLQ {
		t.Fatalf("state = %v (err %v), want dlq", status, err)
	}
	response, _ := status["response"].(map[string]any)
	errBlock, _ := response["payload"].(map[string]any)
	errInfo, _ := errBlock["error"].(map[string]any)
	if errInfo["code"] != protocol.ErrNodeTimeout {
		t.Fatalf("terminal code = %v, want %s", errInfo["code"], protocol.ErrNodeTimeout)
	}
	types := eventTypes(t, control, msg.MessageID)
	if !hasEvent(types, "retry_scheduled") || !hasEvent(types, "worker_dead_lettered") {
		t.Fatalf("events = %v", types)
	}

	dead, err := broker.Consume(ctx, DLQName(testCapability))
	if err != nil {
		t.Fatalf("DLQ consume: %v", err)
	}
	env, err := DecodeEnvelope(dead.Body)
	if err != nil {
		t.Fatalf("DLQ envelope: %v", err)
	}
	if env.Error == nil {
		t.Fatal("DLQ envelope missing error block")
	}
}

func TestRetryableHandlerErrorRetriesThenSucceeds(t *testing.T) {
	broker, control := newRedisPair(t)
	calls := 0
	flaky := func(ctx context.Context, msg *protocol.Message) *protocol.Message {
		calls++
		if calls == 1 {
			return protocol.MakeError(protocol.ErrNodeError, "transient", msg.MessageID, true, nil)
		}
		return echoHandler(ctx, msg)
	}
	rt := newAsyncRouter(t, flaky)
	enq := NewEnqueuer(rt, control, broker)
	sink := NewResultSink(control, nil)
	ctx := context.Background()

	msg := protocol.New(testCapability, map[string]any{"text": "eventually"})
	if resp := enq.Enqueue(ctx, msg); protocol.IsError(resp) {
		t.Fatalf("enqueue failed: %s", protocol.ErrorText(resp))
	}

	worker := NewWorker(broker, control, "echo-node", testCapability, flaky, sink.Resolve)
	worker.SetRetryDelay(0)
	for i := 0; i < 2; i++ {
		if err := worker.ProcessOne(ctx); err != nil {
			t.Fatalf("ProcessOne %d: %v", i, err)
		}
	}

	status, err := control.GetStatus(ctx, msg.MessageID)
	if err != nil || status["state"] != StateCompleted {
		t.Fatalf("state = %v (err %v), want completed", status, err)
	}
	count, err := control.SideEffectCount(ctx, "echo-node", msg.MessageID)
	if err != nil || count != 1 {
		t.Fatalf("side-effect count = %d (err %v), want 1", count, err)
	}
}

func TestReplayReturnsFullLifecycle(t *testing.T) {
	broker, control := newRedisPair(t)
	rt := newAsyncRouter(t, echoHandler)
	enq := NewEnqueuer(rt, control, broker)
	sink := NewResultSink(control, nil)
	ctx := context.Background()

	msg := protocol.New(testCapability, map[string]any{"text": "replay me"})
	if resp := enq.Enqueue(ctx, msg); protocol.IsError(resp) {
		t.Fatalf("enqueue failed: %s", protocol.ErrorText(resp))
	}
	worker := NewWorker(broker, control, "echo-node", testCapability, echoHandler, sink.Resolve)
	worker.SetRetryDelay(0)
	if err := worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	replay, err := sink.Replay(ctx, msg.MessageID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replay["state"] != StateCompleted {
		t.Fatalf("replay state = %v", replay["state"])
	}
	if replay["request"] == nil || replay["response"] == nil {
		t.Fatalf("replay missing request or response: %v", replay)
	}
	events, _ := replay["events"].([]any)
	if len(events) < 3 {
		t.Fatalf("replay events = %v", events)
	}
}

func TestEnqueueScrubsSecretsFromStatus(t *testing.T) {
	broker, control := newRedisPair(t)
	rt := newAsyncRouter(t, echoHandler)
	enq := NewEnqueuer(rt, control, broker)
	ctx := context.Background()

	msg := protocol.New(testCapability, map[string]any{"text": "hi", "api_key": "sk-live-1234"})
	if resp := enq.Enqueue(ctx, msg); protocol.IsError(resp) {
		t.Fatalf("enqueue failed: %s", protocol.ErrorText(resp))
	}
	status, err := control.GetStatus(ctx, msg.MessageID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	request, _ := status["request"].(map[string]any)
	payload, _ := request["payload"].(map[string]any)
	if payload["api_key"] != "<redacted>" {
		t.Fatalf("api_key = %v, want <redacted>", payload["api_key"])
	}
}

func TestSQLiteQueueBrokerAndControl(t *testing.T) {
	q, err := OpenSQLiteQueue(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	ctx := context.Background()

	if err := q.Publish(ctx, QueueName("cap"), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	delivery, err := q.Consume(ctx, QueueName("cap"))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if string(delivery.Body) != `{"a":1}` {
		t.Fatalf("body = %s", delivery.Body)
	}
	if err := q.Ack(ctx, delivery); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	claimed, err := q.ClaimIdempotency(ctx, "n", "m")
	if err != nil || !claimed {
		t.Fatalf("first claim = %v (err %v)", claimed, err)
	}
	claimed, err = q.ClaimIdempotency(ctx, "n", "m")
	if err != nil || claimed {
		t.Fatalf("second claim = %v (err %v)", claimed, err)
	}

	if count, err := q.IncrSideEffect(ctx, "n", "m"); err != nil || count != 1 {
		t.Fatalf("incr = %d (err %v)", count, err)
	}
	if count, err := q.SideEffectCount(ctx, "n", "m"); err != nil || count != 1 {
		t.Fatalf("count = %d (err %v)", count, err)
	}

	if err := q.SetStatus(ctx, "m", StateQueued, map[string]any{"request": map[string]any{"x": "y"}}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := q.SetStatus(ctx, "m", StateCompleted, nil); err != nil {
		t.Fatalf("SetStatus update: %v", err)
	}
	status, err := q.GetStatus(ctx, "m")
	if err != nil || status["state"] != StateCompleted {
		t.Fatalf("status = %v (err %v)", status, err)
	}
	if status["request"] == nil {
		t.Fatal("earlier status fields were lost on update")
	}

	if err := q.AppendEvent(ctx, "m", "worker_received", map[string]any{"attempt": 0}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	events, err := q.Events(ctx, "m")
	if err != nil || len(events) != 1 || events[0]["event_type"] != "worker_received" {
		t.Fatalf("events = %v (err %v)", events, err)
	}
}
