// Package asyncq is the durable execution pipeline: enqueue, worker loop,
// idempotency gate, bounded retries, dead-lettering, and the status/replay
// control plane.
//
// Two broker implementations exist. The Redis broker uses one list per
// capability with a pending list for unacked deliveries; the SQLite broker
// serves single-host deployments with no Redis available. The control plane
// keys follow the bdp:* scheme regardless of backend.
package asyncq

import (
	"encoding/json"
	"fmt"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

// Delivery states tracked in bdp:status:<id>.
const (
	StateQueued    = "queued"
	StateCompleted = "completed"
	StateError     = "error"
	StateDLQ       = "dlq"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts   = 3
	DefaultRetryDelaySec = 1.0
)

// Envelope is the unit published to a capability queue. Message is the full
// wire message; ForceError is a test hook that simulates a retryable
// downstream failure on every delivery.
type Envelope struct {
	Message     map[string]any `json:"message"`
	NodeID      string         `json:"node_id"`
	RoutingKey  string         `json:"routing_key"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	ForceError  bool           `json:"force_error,omitempty"`
	Error       map[string]any `json:"error,omitempty"`
}

// EncodeEnvelope renders the envelope for the wire.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a queued envelope body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("asyncq: decode envelope: %w", err)
	}
	return &e, nil
}

// MessageID extracts the wrapped message's ID, or "".
func (e *Envelope) MessageID() string {
	id, _ := e.Message["message_id"].(string)
	return id
}

// WireMessage reconstructs the wrapped protocol message.
func (e *Envelope) WireMessage() *protocol.Message {
	return protocol.FromMap(e.Message)
}

// Result is what a worker posts back after settling a delivery.
type Result struct {
	MessageID    string         `json:"message_id"`
	NodeID       string         `json:"node_id"`
	Response     map[string]any `json:"response"`
	Attempt      int            `json:"attempt"`
	Duplicate    bool           `json:"duplicate"`
	DeadLettered bool           `json:"dead_lettered"`
}

// Queue naming. One durable queue per capability plus a per-capability DLQ.
func QueueName(capability string) string { return "bdp:q:" + capability }
func DLQName(capability string) string   { return "bdp:dlq:" + capability }

// Control-plane keys, one writer per message_id.
func statusKey(id string) string               { return "bdp:status:" + id }
func eventsKey(id string) string               { return "bdp:events:" + id }
func idempotencyKey(nodeID, id string) string  { return "bdp:idempotency:" + nodeID + ":" + id }
func sideEffectKey(nodeID, id string) string   { return "bdp:side_effect:" + nodeID + ":" + id }
func nodeResponseKey(nodeID, id string) string { return "bdp:node_response:" + nodeID + ":" + id }
