package asyncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

// logChannel is the fanout side-channel every publish mirrors to, so an
// observer can tail queue activity without consuming it.
const logChannel = "bdp:log"

// RedisBroker keeps one list per queue. Consume moves the entry onto a
// pending list in the same operation; Ack removes it from pending.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func pendingName(queue string) string { return queue + ":pending" }

func (b *RedisBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := b.client.LPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("asyncq: publish to %s: %w", queue, err)
	}
	b.client.Publish(ctx, logChannel, body)
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, queue string) (*Delivery, error) {
	for {
		body, err := b.client.BRPopLPush(ctx, queue, pendingName(queue), time.Second).Bytes()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("asyncq: consume %s: %w", queue, err)
		}
		return &Delivery{Queue: queue, Body: body}, nil
	}
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.client.LRem(ctx, pendingName(d.Queue), 1, d.Body).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// RedisControl implements the control plane over plain Redis primitives:
// a hash for status, a list for events, SETNX for the idempotency gate, and
// INCR for the side-effect counter.
type RedisControl struct {
	client *redis.Client
}

// NewRedisControl wraps an existing client.
func NewRedisControl(client *redis.Client) *RedisControl {
	return &RedisControl{client: client}
}

func (c *RedisControl) SetStatus(ctx context.Context, id, state string, fields map[string]any) error {
	values := map[string]any{
		"state":      state,
		"updated_at": protocol.NowISO(),
	}
	for k, v := range fields {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("asyncq: encode status field %s: %w", k, err)
		}
		values[k] = string(encoded)
	}
	return c.client.HSet(ctx, statusKey(id), values).Err()
}

func (c *RedisControl) GetStatus(ctx context.Context, id string) (map[string]any, error) {
	raw, err := c.client.HGetAll(ctx, statusKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := map[string]any{}
	for k, v := range raw {
		if k == "state" || k == "updated_at" {
			out[k] = v
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			out[k] = v
			continue
		}
		out[k] = decoded
	}
	return out, nil
}

func (c *RedisControl) AppendEvent(ctx context.Context, id, eventType string, payload map[string]any) error {
	entry := map[string]any{
		"ts":         protocol.NowISO(),
		"event_type": eventType,
		"payload":    payload,
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("asyncq: encode event: %w", err)
	}
	return c.client.RPush(ctx, eventsKey(id), body).Err()
}

func (c *RedisControl) Events(ctx context.Context, id string) ([]map[string]any, error) {
	raw, err := c.client.LRange(ctx, eventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		var entry map[string]any
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *RedisControl) ClaimIdempotency(ctx context.Context, nodeID, id string) (bool, error) {
	return c.client.SetNX(ctx, idempotencyKey(nodeID, id), "1", 0).Result()
}

func (c *RedisControl) ReleaseIdempotency(ctx context.Context, nodeID, id string) error {
	return c.client.Del(ctx, idempotencyKey(nodeID, id)).Err()
}

func (c *RedisControl) IncrSideEffect(ctx context.Context, nodeID, id string) (int64, error) {
	return c.client.Incr(ctx, sideEffectKey(nodeID, id)).Result()
}

func (c *RedisControl) SideEffectCount(ctx context.Context, nodeID, id string) (int64, error) {
	raw, err := c.client.Get(ctx, sideEffectKey(nodeID, id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (c *RedisControl) CacheResponse(ctx context.Context, nodeID, id string, body []byte) error {
	return c.client.Set(ctx, nodeResponseKey(nodeID, id), body, 0).Err()
}

func (c *RedisControl) CachedResponse(ctx context.Context, nodeID, id string) ([]byte, error) {
	body, err := c.client.Get(ctx, nodeResponseKey(nodeID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}
