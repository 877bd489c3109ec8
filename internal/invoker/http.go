package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/pkg/errors"
)

const ExecutePath = "/api/v1/node/execute"

// maxErrorBody caps how much of a failed response ends up in the ledger.
const maxErrorBody = 2048

// response is the AI service reply for one node attempt.
type response struct {
	Output     json.RawMessage `json:"output"`
	Cost       float64         `json:"cost"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

// HTTPInvoker runs nodes on the remote AI service.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

var _ service.Invoker = (*HTTPInvoker)(nil)

// NewHTTPInvoker targets baseURL; timeout bounds a whole request and is
// usually longer than the engine's node timeout, which arrives through ctx.
func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req service.InvokeRequest) (service.InvokeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return service.InvokeResult{}, errors.Wrap(err, "failed to encode node request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+ExecutePath, bytes.NewReader(body))
	if err != nil {
		return service.InvokeResult{}, errors.Wrap(err, "failed to build node request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Execution-ID", req.ExecutionID)

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return service.InvokeResult{}, ctx.Err()
		}
		return service.InvokeResult{}, errors.Wrapf(service.ErrExecutionFailure, "ai service unreachable: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return service.InvokeResult{}, errors.Wrapf(service.ErrExecutionFailure, "failed to read ai service response: %v", err)
	}
	var out response
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if decodeErr != nil || msg == "" {
			msg = truncate(string(raw))
		}
		return service.InvokeResult{}, errors.Wrapf(service.ErrExecutionFailure, "ai service returned %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return service.InvokeResult{}, errors.Wrapf(service.ErrExecutionFailure, "malformed ai service response: %v", decodeErr)
	}
	if out.Error != "" {
		return service.InvokeResult{}, errors.Wrap(service.ErrExecutionFailure, out.Error)
	}

	d := time.Duration(out.DurationMs) * time.Millisecond
	if d == 0 {
		d = time.Since(start)
	}
	return service.InvokeResult{Output: out.Output, Duration: d, Cost: out.Cost}, nil
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:maxErrorBody], len(s))
}
