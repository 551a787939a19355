package asyncq

import (
	"context"
	"fmt"

	"github.com/bdobrica/Kaname/common/redact"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/router"
)

// Enqueuer is the route_async surface: validate, record the queued status,
// publish the envelope, answer 202.
type Enqueuer struct {
	router      *router.Router
	control     Control
	broker      Broker
	maxAttempts int
}

// NewEnqueuer wires the enqueue surface.
func NewEnqueuer(rt *router.Router, control Control, broker Broker) *Enqueuer {
	return &Enqueuer{
		router:      rt,
		control:     control,
		broker:      broker,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Enqueue validates the message, publishes it to its capability queue, and
// returns the accepted acknowledgement. Validation failures come back as
// synchronous protocol errors.
func (e *Enqueuer) Enqueue(ctx context.Context, msg *protocol.Message) *protocol.Message {
	nodeID, errMsg := e.router.SelectAsync(msg)
	if errMsg != nil {
		return errMsg
	}

	id := msg.MessageID
	forceError, _ := msg.Payload["force_error"].(bool)

	request, _ := redact.Scrub(msg.AsMap()).(map[string]any)
	if err := e.control.SetStatus(ctx, id, StateQueued, map[string]any{"request": request}); err != nil {
		return protocol.MakeError(protocol.ErrInternal,
			fmt.Sprintf("record status: %v", err), id, true, nil)
	}
	_ = e.control.AppendEvent(ctx, id, "route_enqueued", map[string]any{
		"node_id": nodeID,
		"intent":  msg.Intent,
	})

	envelope := &Envelope{
		Message:     msg.AsMap(),
		NodeID:      nodeID,
		RoutingKey:  msg.Intent,
		Attempt:     0,
		MaxAttempts: e.maxAttempts,
		ForceError:  forceError,
	}
	body, err := EncodeEnvelope(envelope)
	if err != nil {
		return protocol.MakeError(protocol.ErrInternal,
			fmt.Sprintf("encode envelope: %v", err), id, false, nil)
	}
	if err := e.broker.Publish(ctx, QueueName(msg.Intent), body); err != nil {
		return protocol.MakeError(protocol.ErrInternal,
			fmt.Sprintf("publish envelope: %v", err), id, true, nil)
	}

	return protocol.MakeResponse("route_async.accepted", map[string]any{
		"accepted":       true,
		"message_id":     id,
		"correlation_id": id,
		"status_url":     "/status/" + id,
		"replay_url":     "/replay/" + id,
	}, id, nil)
}
