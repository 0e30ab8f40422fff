package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/podushkina/taskrelay/internal/retry"
	"github.com/podushkina/taskrelay/internal/task"
)

// Response is what the endpoint answered for one delivery attempt.
type Response struct {
	StatusCode int `json:"status_code"`
}

// Endpoint delivers a transformed payload somewhere.
type Endpoint interface {
	Send(ctx context.Context, p task.Payload) (Response, error)
}

// Func adapts a plain function to Endpoint.
type Func func(ctx context.Context, p task.Payload) (Response, error)

func (f Func) Send(ctx context.Context, p task.Payload) (Response, error) {
	return f(ctx, p)
}

// Classify maps a response to a retry outcome: 2xx succeeds, 5xx is retried,
// everything else stops.
func Classify(r Response) retry.Outcome {
	switch {
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return retry.Success
	case r.StatusCode >= 500 && r.StatusCode < 600:
		return retry.Retryable
	default:
		return retry.Terminal
	}
}

func (r Response) OK() bool {
	return Classify(r) == retry.Success
}

// Static answers every delivery with the same status code.
type Static int

func (s Static) Send(ctx context.Context, p task.Payload) (Response, error) {
	return Response{StatusCode: int(s)}, nil
}

// HTTPEndpoint POSTs the payload as JSON to URL.
type HTTPEndpoint struct {
	URL    string
	Client *http.Client
}

func NewHTTPEndpoint(url string, timeout time.Duration) *HTTPEndpoint {
	return &HTTPEndpoint{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEndpoint) Send(ctx context.Context, p task.Payload) (Response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("deliver task %d: %w", p.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return Response{StatusCode: resp.StatusCode}, nil
}
