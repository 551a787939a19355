package asyncq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/Kaname/common/retry"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

// PostResultFunc delivers a settled Result back to the router. In-process
// deployments call the result sink directly; out-of-process workers POST it.
type PostResultFunc func(ctx context.Context, res Result) error

// Worker is the blocking consumer for one capability queue. Prefetch is one
// by construction: a delivery is settled before the next Consume.
type Worker struct {
	broker     Broker
	control    Control
	nodeID     string
	capability string
	handler    registry.Handler
	retryDelay time.Duration
	post       PostResultFunc
	log        *slog.Logger
}

// NewWorker builds a worker for one node's capability queue.
func NewWorker(broker Broker, control Control, nodeID, capability string, handler registry.Handler, post PostResultFunc) *Worker {
	return &Worker{
		broker:     broker,
		control:    control,
		nodeID:     nodeID,
		capability: capability,
		handler:    handler,
		retryDelay: time.Duration(DefaultRetryDelaySec * float64(time.Second)),
		post:       post,
		log:        slog.Default().With("component", "asyncq.worker", "capability", capability),
	}
}

// SetRetryDelay overrides the delay between attempts. Tests set it to zero.
func (w *Worker) SetRetryDelay(d time.Duration) {
	w.retryDelay = d
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	queue := QueueName(w.capability)
	for {
		delivery, err := w.broker.Consume(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("asyncq: worker consume: %w", err)
		}
		w.process(ctx, delivery)
		if err := w.broker.Ack(ctx, delivery); err != nil {
			w.log.Warn("ack failed", "error", err)
		}
	}
}

// ProcessOne consumes and settles a single delivery. Tests drive the loop
// with it instead of Run.
func (w *Worker) ProcessOne(ctx context.Context) error {
	delivery, err := w.broker.Consume(ctx, QueueName(w.capability))
	if err != nil {
		return err
	}
	w.process(ctx, delivery)
	return w.broker.Ack(ctx, delivery)
}

func (w *Worker) process(ctx context.Context, delivery *Delivery) {
	env, err := DecodeEnvelope(delivery.Body)
	if err != nil {
		w.log.Warn("dropping undecodable envelope", "error", err)
		return
	}
	id := env.MessageID()
	_ = w.control.AppendEvent(ctx, id, "worker_received", map[string]any{
		"node_id": w.nodeID,
		"attempt": env.Attempt,
	})

	msg := env.WireMessage()
	if errMsg := protocol.ValidateCore(msg); errMsg != nil {
		w.settleError(ctx, env, errMsg)
		return
	}

	// Test hook: a forced failure behaves like a retryable downstream
	// failure on every delivery, so the retry budget drains to the DLQ.
	if env.ForceError {
		forced := protocol.MakeError(protocol.ErrNodeTimeout,
			"forced failure", id, true, map[string]any{"forced": true})
		w.retryOrDeadLetter(ctx, env, forced)
		return
	}

	claimed, err := w.control.ClaimIdempotency(ctx, w.nodeID, id)
	if err != nil {
		w.log.Warn("idempotency claim failed", "error", err)
		return
	}
	if !claimed {
		w.settleDuplicate(ctx, env)
		return
	}

	resp := w.handler(ctx, msg)
	if resp == nil {
		resp = protocol.MakeError(protocol.ErrNodeError, "node returned nothing", id, false, nil)
	}
	if protocol.IsError(resp) && protocol.ErrorRetryable(resp) {
		// Nothing was committed, so the next attempt may claim again.
		_ = w.control.ReleaseIdempotency(ctx, w.nodeID, id)
		w.retryOrDeadLetter(ctx, env, resp)
		return
	}

	if _, err := w.control.IncrSideEffect(ctx, w.nodeID, id); err != nil {
		w.log.Warn("side-effect counter failed", "error", err)
	}
	w.cacheResponse(ctx, id, resp)
	_ = w.control.AppendEvent(ctx, id, "worker_completed", map[string]any{
		"node_id": w.nodeID,
		"attempt": env.Attempt,
	})
	w.postResult(ctx, Result{
		MessageID: id,
		NodeID:    w.nodeID,
		Response:  resp.AsMap(),
		Attempt:   env.Attempt,
	})
}

// settleDuplicate answers a redelivered message from the response cache
// without re-running side effects.
func (w *Worker) settleDuplicate(ctx context.Context, env *Envelope) {
	id := env.MessageID()
	var resp *protocol.Message
	if cached, err := w.control.CachedResponse(ctx, w.nodeID, id); err == nil && cached != nil {
		if parsed, errMsg := protocol.Parse(cached); errMsg == nil {
			resp = parsed
		}
	}
	if resp == nil {
		resp = protocol.MakeError(protocol.ErrNodeError,
			"duplicate delivery with no cached response", id, false, nil)
	}
	_ = w.control.AppendEvent(ctx, id, "duplicate_delivery", map[string]any{
		"node_id": w.nodeID,
		"attempt": env.Attempt,
	})
	w.postResult(ctx, Result{
		MessageID: id,
		NodeID:    w.nodeID,
		Response:  resp.AsMap(),
		Attempt:   env.Attempt,
		Duplicate: true,
	})
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, env *Envelope, errResp *protocol.Message) {
	id := env.MessageID()
	if env.Attempt+1 < env.MaxAttempts {
		if w.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
		}
		next := *env
		next.Attempt++
		body, err := EncodeEnvelope(&next)
		if err == nil {
			err = w.broker.Publish(ctx, QueueName(w.capability), body)
		}
		if err != nil {
			w.log.Warn("republish failed", "error", err)
			return
		}
		_ = w.control.AppendEvent(ctx, id, "retry_scheduled", map[string]any{
			"node_id": w.nodeID,
			"attempt": next.Attempt,
		})
		return
	}

	terminal := protocol.MakeError(protocol.ErrNodeTimeout,
		fmt.Sprintf("retries exhausted after %d attempts", env.MaxAttempts),
		id, false, map[string]any{
			"attempts": env.MaxAttempts,
			"cause":    protocol.ErrorText(errResp),
		})
	dead := *env
	if block, ok := errResp.Payload["error"].(map[string]any); ok {
		dead.Error = protocol.DeepCopyMap(block)
	}
	if body, err := EncodeEnvelope(&dead); err == nil {
		if err := w.broker.Publish(ctx, DLQName(w.capability), body); err != nil {
			w.log.Warn("dead-letter publish failed", "error", err)
		}
	}
	w.cacheResponse(ctx, id, terminal)
	_ = w.control.AppendEvent(ctx, id, "worker_dead_lettered", map[string]any{
		"node_id": w.nodeID,
		"attempt": env.Attempt,
	})
	w.postResult(ctx, Result{
		MessageID:    id,
		NodeID:       w.nodeID,
		Response:     terminal.AsMap(),
		Attempt:      env.Attempt,
		DeadLettered: true,
	})
}

// settleError handles envelopes whose wrapped message fails validation.
func (w *Worker) settleError(ctx context.Context, env *Envelope, errMsg *protocol.Message) {
	id := env.MessageID()
	w.cacheResponse(ctx, id, errMsg)
	w.postResult(ctx, Result{
		MessageID: id,
		NodeID:    w.nodeID,
		Response:  errMsg.AsMap(),
		Attempt:   env.Attempt,
	})
}

func (w *Worker) cacheResponse(ctx context.Context, id string, resp *protocol.Message) {
	body, err := json.Marshal(resp.AsMap())
	if err != nil {
		w.log.Warn("response cache encode failed", "error", err)
		return
	}
	if err := w.control.CacheResponse(ctx, w.nodeID, id, body); err != nil {
		w.log.Warn("response cache write failed", "error", err)
	}
}

func (w *Worker) postResult(ctx context.Context, res Result) {
	if w.post == nil {
		return
	}
	if err := w.post(ctx, res); err != nil {
		w.log.Warn("result post failed", "message_id", res.MessageID, "error", err)
	}
}

// NewHTTPResultPoster posts results to the router's /worker_result endpoint,
// retrying transient failures.
func NewHTTPResultPoster(url string, client *http.Client) PostResultFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, res Result) error {
		body, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("asyncq: encode result: %w", err)
		}
		return retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond}, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			if resp.StatusCode >= 300 {
				return fmt.Errorf("asyncq: result post returned %d", resp.StatusCode)
			}
			return nil
		})
	}
}
