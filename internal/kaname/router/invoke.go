package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/registry"
)

// invoke dispatches to the record's in-process handler when present,
// otherwise POSTs the message to the node's endpoint. Failures come back as
// error envelopes, never Go errors.
func (r *Router) invoke(ctx context.Context, record *registry.NodeRecord, msg *protocol.Message) *protocol.Message {
	if record.Handler != nil {
		resp := record.Handler(ctx, msg)
		if resp == nil {
			return protocol.MakeError(protocol.ErrNodeError, "handler returned no response", msg.MessageID, true,
				map[string]any{"node_id": record.Descriptor.NodeID})
		}
		return resp
	}
	return r.invokeHTTP(ctx, record, msg)
}

func (r *Router) invokeHTTP(ctx context.Context, record *registry.NodeRecord, msg *protocol.Message) *protocol.Message {
	body, err := json.Marshal(msg)
	if err != nil {
		return protocol.MakeError(protocol.ErrInternal, "encode request", msg.MessageID, false, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.nodeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, record.Descriptor.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return protocol.MakeError(protocol.ErrNodeUnavailable, fmt.Sprintf("bad endpoint: %v", err), msg.MessageID, false,
			map[string]any{"node_id": record.Descriptor.NodeID})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return protocol.MakeError(protocol.ErrNodeTimeout,
				fmt.Sprintf("node %s did not answer within %s", record.Descriptor.NodeID, r.nodeTimeout),
				msg.MessageID, true, map[string]any{"node_id": record.Descriptor.NodeID})
		}
		return protocol.MakeError(protocol.ErrNodeUnavailable, fmt.Sprintf("node call failed: %v", err), msg.MessageID, true,
			map[string]any{"node_id": record.Descriptor.NodeID})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return protocol.MakeError(protocol.ErrNodeError, fmt.Sprintf("read node response: %v", err), msg.MessageID, true,
			map[string]any{"node_id": record.Descriptor.NodeID})
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusConflict ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500
		code := protocol.ErrNodeError
		if !retryable {
			code = protocol.ErrNodeUnavailable
		}
		return protocol.MakeError(code, fmt.Sprintf("node returned HTTP %d", resp.StatusCode), msg.MessageID, retryable,
			map[string]any{"node_id": record.Descriptor.NodeID, "status": resp.StatusCode})
	}

	parsed, errMsg := protocol.Parse(data)
	if errMsg != nil {
		return protocol.MakeError(protocol.ErrNodeError, "node response is not a well-formed message", msg.MessageID, true,
			map[string]any{"node_id": record.Descriptor.NodeID})
	}
	return parsed
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 0, Transport: &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}}
}
