package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"modelgate/pkg/httpx"
	"modelgate/pkg/models"
)

// Invocation is one prepared backend call. The prompt has already been
// through the pre and mid safety stages.
type Invocation struct {
	RequestID     string
	BackendID     string
	OperationType string
	Prompt        string
	MaxTokens     int
	Temperature   *float64
}

// Result is a successful backend response.
type Result struct {
	Output string       `json:"output"`
	Usage  models.Usage `json:"usage"`
}

// BackendError is a fault from a model backend. Transient faults (5xx,
// timeouts, transport errors) feed the degradation state machine.
type BackendError struct {
	BackendID string
	Status    int
	Err       error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s: %v", e.BackendID, e.Err)
	}
	return fmt.Sprintf("backend %s: status %d", e.BackendID, e.Status)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Transient reports whether the fault warrants a fallback attempt.
func (e *BackendError) Transient() bool {
	if e.Status >= 500 {
		return true
	}
	if e.Err != nil {
		return true // transport error or timeout
	}
	return false
}

// Executor invokes a model backend.
type Executor interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// HTTPExecutor resolves backend IDs to HTTP endpoints and posts
// completion requests. Per-call timeouts come from the request context.
type HTTPExecutor struct {
	Client    *http.Client
	Endpoints map[string]string
	Headers   map[string]string
	Retries   int
	RetryDelay time.Duration
}

type invokeBody struct {
	RequestID     string   `json:"request_id"`
	Model         string   `json:"model"`
	OperationType string   `json:"operation_type"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   *float64 `json:"temperature,omitempty"`
}

func (e HTTPExecutor) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	endpoint, ok := e.Endpoints[inv.BackendID]
	if !ok {
		return Result{}, &BackendError{BackendID: inv.BackendID, Err: errors.New("no endpoint configured")}
	}
	body, err := json.Marshal(invokeBody{
		RequestID:     inv.RequestID,
		Model:         inv.BackendID,
		OperationType: inv.OperationType,
		Prompt:        inv.Prompt,
		MaxTokens:     inv.MaxTokens,
		Temperature:   inv.Temperature,
	})
	if err != nil {
		return Result{}, err
	}
	status, respBody, err := httpx.RequestJSON(ctx, e.Client, http.MethodPost, endpoint, body, e.Headers, e.Retries, e.RetryDelay)
	if err != nil {
		return Result{}, &BackendError{BackendID: inv.BackendID, Err: err}
	}
	if status != http.StatusOK {
		return Result{}, &BackendError{BackendID: inv.BackendID, Status: status}
	}
	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return Result{}, &BackendError{BackendID: inv.BackendID, Err: fmt.Errorf("decode response: %w", err)}
	}
	return res, nil
}
