package protocol

// EnsureTrace creates or advances the trace block on m. On first call it
// records parentID and depth 1; later calls increment depth. When hop is
// non-empty it is appended to trace.path. Every outgoing message from any
// component passes through here, so trace.depth grows monotonically along a
// request's path.
func EnsureTrace(m *Message, parentID, hop string) {
	if m == nil {
		return
	}
	if m.Extensions == nil {
		m.Extensions = map[string]any{}
	}
	traceBlock, ok := m.Extensions["trace"].(map[string]any)
	if !ok {
		traceBlock = map[string]any{
			"parent_message_id": parentID,
			"depth":             0,
			"path":              []any{},
		}
		m.Extensions["trace"] = traceBlock
	}
	traceBlock["depth"] = traceDepth(traceBlock) + 1
	if hop != "" {
		path, _ := traceBlock["path"].([]any)
		traceBlock["path"] = append(path, hop)
	}
}

// SeedTrace copies the inbound message's trace block onto resp when resp has
// none. Responses built fresh by a node start without a trace; without the
// seed the node hop would open a new path instead of extending the route the
// router already recorded.
func SeedTrace(resp, inbound *Message) {
	if resp == nil || inbound == nil || inbound.Extensions == nil {
		return
	}
	traceBlock, ok := inbound.Extensions["trace"].(map[string]any)
	if !ok {
		return
	}
	if resp.Extensions == nil {
		resp.Extensions = map[string]any{}
	}
	if _, exists := resp.Extensions["trace"]; exists {
		return
	}
	resp.Extensions["trace"] = DeepCopyMap(traceBlock)
}

// TracePath returns trace.path as strings, or nil when absent.
func TracePath(m *Message) []string {
	if m == nil || m.Extensions == nil {
		return nil
	}
	traceBlock, ok := m.Extensions["trace"].(map[string]any)
	if !ok {
		return nil
	}
	raw, _ := traceBlock["path"].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// TraceDepth returns trace.depth, or 0 when absent.
func TraceDepth(m *Message) int {
	if m == nil || m.Extensions == nil {
		return 0
	}
	traceBlock, ok := m.Extensions["trace"].(map[string]any)
	if !ok {
		return 0
	}
	return traceDepth(traceBlock)
}

// traceDepth tolerates both int and float64 since trace blocks round-trip
// through JSON.
func traceDepth(traceBlock map[string]any) int {
	switch d := traceBlock["depth"].(type) {
	case int:
		return d
	case float64:
		return int(d)
	default:
		return 0
	}
}
