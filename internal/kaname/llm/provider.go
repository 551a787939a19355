// Package llm defines the provider interface used by model capabilities and
// the streaming front-end, plus clients for the two supported backends:
// Ollama (native chat API) and OpenRouter (OpenAI-compatible).
//
// Clients return Go errors; the capability layer converts them into protocol
// error envelopes with the appropriate retryability.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatRequest is the input to one inference call.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  *float64
	TopP         *float64
	Stop         []string
}

// Chunk is one streamed piece of model output.
type Chunk struct {
	Text       string
	Done       bool
	DoneReason string
}

// Provider is a chat backend. Stream invokes onChunk for every token chunk
// and once more with Done set; a non-nil return from onChunk aborts the
// stream.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req ChatRequest) (string, error)
	Stream(ctx context.Context, req ChatRequest, onChunk func(Chunk) error) error
	ListModels(ctx context.Context) ([]string, error)
}

// HTTPError carries the upstream status so callers can classify
// retryability.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether err is worth retrying against another candidate:
// timeouts, 408/409/429, and 5xx. Authentication and not-found failures are
// permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 408, httpErr.Status == 409, httpErr.Status == 429:
			return true
		case httpErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	// Network-level failures (refused connections, resets) are transient.
	return true
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

const defaultTimeout = 30 * time.Second
