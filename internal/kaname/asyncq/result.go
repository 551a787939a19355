package asyncq

import (
	"context"
	"fmt"

	"github.com/bdobrica/Kaname/common/redact"
	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

// ResultSink is the router side of the worker callback. It folds a Result
// into the terminal status and mirrors it to the router event log.
type ResultSink struct {
	control Control
	store   *persist.Store
}

// NewResultSink wires the sink. store may be nil to skip log mirroring.
func NewResultSink(control Control, store *persist.Store) *ResultSink {
	return &ResultSink{control: control, store: store}
}

// Resolve maps the result onto a terminal state and records it.
func (s *ResultSink) Resolve(ctx context.Context, res Result) error {
	if res.MessageID == "" {
		return fmt.Errorf("asyncq: result without message_id")
	}
	state := StateCompleted
	resp := protocol.FromMap(res.Response)
	switch {
	case res.DeadLettered:
		state = StateDLQ
	case protocol.IsError(resp):
		state = StateError
	}

	response, _ := redact.Scrub(res.Response).(map[string]any)
	err := s.control.SetStatus(ctx, res.MessageID, state, map[string]any{
		"response": response,
		"details": map[string]any{
			"node_id":       res.NodeID,
			"attempt":       res.Attempt,
			"duplicate":     res.Duplicate,
			"dead_lettered": res.DeadLettered,
		},
	})
	if err != nil {
		return fmt.Errorf("asyncq: record result: %w", err)
	}
	_ = s.control.AppendEvent(ctx, res.MessageID, "result_received", map[string]any{
		"node_id":   res.NodeID,
		"state":     state,
		"duplicate": res.Duplicate,
	})
	if s.store != nil {
		_ = s.store.EmitEvent("router", "async_settled", map[string]any{
			"message_id": res.MessageID,
			"node_id":    res.NodeID,
			"state":      state,
		})
	}
	return nil
}

// Status returns the raw status projection for one message, nil when unknown.
func (s *ResultSink) Status(ctx context.Context, id string) (map[string]any, error) {
	return s.control.GetStatus(ctx, id)
}

// Replay assembles the full lifecycle view for one message.
func (s *ResultSink) Replay(ctx context.Context, id string) (map[string]any, error) {
	status, err := s.control.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, nil
	}
	events, err := s.control.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(events))
	for _, event := range events {
		items = append(items, event)
	}
	return map[string]any{
		"request":  status["request"],
		"response": status["response"],
		"state":    status["state"],
		"events":   items,
	}, nil
}
