package asyncq

import "context"

// Delivery is one consumed queue entry. It stays unacked until the worker
// settles it; the broker keeps the body on a pending list so a crashed
// worker's deliveries remain recoverable.
type Delivery struct {
	Queue string
	Body  []byte

	// row is the backing row for brokers that need it to ack.
	row int64
}

// Broker is the transport between the enqueue surface and the workers.
// Consume blocks until a delivery is available or ctx is done.
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte) error
	Consume(ctx context.Context, queue string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}

// Control is the key-value control plane tracking one async message's
// lifecycle: status, ordered events, the idempotency gate, the side-effect
// counter, and the cached canonical response.
type Control interface {
	SetStatus(ctx context.Context, id, state string, fields map[string]any) error
	GetStatus(ctx context.Context, id string) (map[string]any, error)
	AppendEvent(ctx context.Context, id, eventType string, payload map[string]any) error
	Events(ctx context.Context, id string) ([]map[string]any, error)

	// ClaimIdempotency is set-if-absent; only the first delivery for a
	// node/message pair gets true.
	ClaimIdempotency(ctx context.Context, nodeID, id string) (bool, error)
	ReleaseIdempotency(ctx context.Context, nodeID, id string) error
	IncrSideEffect(ctx context.Context, nodeID, id string) (int64, error)
	SideEffectCount(ctx context.Context, nodeID, id string) (int64, error)
	CacheResponse(ctx context.Context, nodeID, id string, body []byte) error
	CachedResponse(ctx context.Context, nodeID, id string) ([]byte, error)
}
