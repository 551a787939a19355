// Package protocol implements the wire message shared by every component:
// shape validation, error envelopes, trace annotation, and ID/time helpers.
//
// Errors never cross a component boundary as Go errors. They travel as plain
// messages with intent "error" and a payload.error block, so every transport
// and every node sees one uniform shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the only protocol version this build speaks. Routing enforces
// exact equality.
const Version = "0.1"

// Message is the unit of exchange between clients, the router, and nodes.
type Message struct {
	ProtocolVersion string         `json:"protocol_version"`
	MessageID       string         `json:"message_id"`
	Intent          string         `json:"intent"`
	Payload         map[string]any `json:"payload"`
	Extensions      map[string]any `json:"extensions,omitempty"`
}

// NewID returns a fresh message ID. IDs are never reused for a new request.
func NewID() string {
	return uuid.NewString()
}

// NowISO returns the current UTC time in RFC 3339 form, the timestamp format
// used in every persisted record.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// New builds a message with a fresh ID and the current protocol version.
// A nil payload becomes an empty object so the wire shape stays valid.
func New(intent string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		ProtocolVersion: Version,
		MessageID:       NewID(),
		Intent:          intent,
		Payload:         payload,
	}
}

// Clone returns a deep copy. Components hand out clones so callers can
// mutate payloads and extensions without aliasing shared state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		ProtocolVersion: m.ProtocolVersion,
		MessageID:       m.MessageID,
		Intent:          m.Intent,
	}
	if m.Payload != nil {
		out.Payload = DeepCopyMap(m.Payload)
	}
	if m.Extensions != nil {
		out.Extensions = DeepCopyMap(m.Extensions)
	}
	return out
}

// AsMap renders the message as the generic mapping used by persistence and
// the async control plane. The result shares no state with the message.
func (m *Message) AsMap() map[string]any {
	out := map[string]any{
		"protocol_version": m.ProtocolVersion,
		"message_id":       m.MessageID,
		"intent":           m.Intent,
		"payload":          DeepCopyMap(m.Payload),
	}
	if m.Payload == nil {
		out["payload"] = map[string]any{}
	}
	if m.Extensions != nil {
		out["extensions"] = DeepCopyMap(m.Extensions)
	}
	return out
}

// FromMap rebuilds a message from its generic mapping form. It does not
// validate; callers run ValidateCore when the mapping came from outside.
func FromMap(raw map[string]any) *Message {
	m := &Message{}
	m.ProtocolVersion, _ = raw["protocol_version"].(string)
	m.MessageID, _ = raw["message_id"].(string)
	m.Intent, _ = raw["intent"].(string)
	if p, ok := raw["payload"].(map[string]any); ok {
		m.Payload = DeepCopyMap(p)
	}
	if e, ok := raw["extensions"].(map[string]any); ok {
		m.Extensions = DeepCopyMap(e)
	}
	return m
}

// Parse decodes raw JSON into a message. On any shape problem it returns a
// nil message plus a ready-to-send E_BAD_MESSAGE envelope with a fresh ID.
func Parse(data []byte) (*Message, *Message) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, MakeError(ErrBadMessage, fmt.Sprintf("body is not a JSON object: %v", err), "", false, nil)
	}
	m := FromMap(raw)
	if _, ok := raw["payload"]; ok && m.Payload == nil {
		return nil, MakeError(ErrBadMessage, "payload must be an object", "", false, map[string]any{"field": "payload"})
	}
	if _, ok := raw["extensions"]; ok && m.Extensions == nil {
		return nil, MakeError(ErrBadMessage, "extensions must be an object", "", false, map[string]any{"field": "extensions"})
	}
	if errMsg := ValidateCore(m); errMsg != nil {
		return nil, errMsg
	}
	return m, nil
}

// ValidateCore checks the invariant shape of a message and returns nil when
// it is well formed, or an error envelope naming the offending field.
func ValidateCore(m *Message) *Message {
	if m == nil {
		return MakeError(ErrBadMessage, "message is missing", "", false, nil)
	}
	if m.ProtocolVersion == "" {
		return badField("protocol_version", m.MessageID)
	}
	if m.MessageID == "" {
		return badField("message_id", "")
	}
	if m.Intent == "" {
		return badField("intent", m.MessageID)
	}
	if m.Payload == nil {
		return badField("payload", m.MessageID)
	}
	return nil
}

// LooksLike reports whether raw has the minimal message shape. Used by the
// router to reject malformed node responses without trusting their content.
func LooksLike(raw map[string]any) bool {
	if raw == nil {
		return false
	}
	for _, field := range []string{"protocol_version", "message_id", "intent"} {
		s, ok := raw[field].(string)
		if !ok || s == "" {
			return false
		}
	}
	_, ok := raw["payload"].(map[string]any)
	return ok
}

func badField(field, parentID string) *Message {
	return MakeError(ErrBadMessage, fmt.Sprintf("missing or invalid field %q", field), parentID, false, map[string]any{"field": field})
}

// DeepCopyMap copies nested maps and slices so the result shares no mutable
// state with the input. Scalars pass through.
func DeepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
