package protocol

// Error codes form a closed set. Components pick from this list; nothing may
// invent new codes at runtime.
const (
	ErrBadMessage               = "E_BAD_MESSAGE"
	ErrUnsupportedProtocol      = "E_UNSUPPORTED_PROTOCOL"
	ErrNoRoute                  = "E_NO_ROUTE"
	ErrRequiredExtensionMissing = "E_REQUIRED_EXTENSION_MISSING"
	ErrConfirmationRequired     = "E_CONFIRMATION_REQUIRED"
	ErrNodeUnavailable          = "E_NODE_UNAVAILABLE"
	ErrNodeTimeout              = "E_NODE_TIMEOUT"
	ErrNodeError                = "E_NODE_ERROR"
	ErrNodeRegInvalid           = "E_NODE_REG_INVALID"
	ErrNodeUntrusted            = "E_NODE_UNTRUSTED"
	ErrNodeNotRegistered        = "E_NODE_NOT_REGISTERED"
	ErrAdapterNotFound          = "E_ADAPTER_NOT_FOUND"
	ErrAuthRequired             = "E_AUTH_REQUIRED"
	ErrAuthInvalid              = "E_AUTH_INVALID"
	ErrAuthForbidden            = "E_AUTH_FORBIDDEN"
	ErrInternal                 = "E_INTERNAL"
)

// MakeError builds an error envelope. parentID, when non-empty, seeds the
// trace block so the error stays correlated with the request that caused it.
func MakeError(code, text, parentID string, retryable bool, details map[string]any) *Message {
	if details == nil {
		details = map[string]any{}
	}
	m := New("error", map[string]any{
		"error": map[string]any{
			"code":      code,
			"message":   text,
			"retryable": retryable,
			"details":   details,
		},
	})
	if parentID != "" {
		EnsureTrace(m, parentID, "")
	}
	return m
}

// MakeResponse builds a success envelope correlated to parentID.
func MakeResponse(intent string, payload map[string]any, parentID string, extensions map[string]any) *Message {
	m := New(intent, payload)
	if extensions != nil {
		m.Extensions = DeepCopyMap(extensions)
	}
	if parentID != "" {
		EnsureTrace(m, parentID, "")
	}
	return m
}

// IsError reports whether m is an error envelope.
func IsError(m *Message) bool {
	return m != nil && m.Intent == "error"
}

// ErrorCode extracts payload.error.code, or "" for non-error messages.
func ErrorCode(m *Message) string {
	block := errorBlock(m)
	if block == nil {
		return ""
	}
	code, _ := block["code"].(string)
	return code
}

// ErrorRetryable extracts payload.error.retryable; false when absent.
func ErrorRetryable(m *Message) bool {
	block := errorBlock(m)
	if block == nil {
		return false
	}
	retryable, _ := block["retryable"].(bool)
	return retryable
}

// ErrorText extracts payload.error.message, or "" when absent.
func ErrorText(m *Message) string {
	block := errorBlock(m)
	if block == nil {
		return ""
	}
	text, _ := block["message"].(string)
	return text
}

func errorBlock(m *Message) map[string]any {
	if !IsError(m) || m.Payload == nil {
		return nil
	}
	block, _ := m.Payload["error"].(map[string]any)
	return block
}
