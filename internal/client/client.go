// ABOUTME: HTTP client for the coven-threads API with bearer authentication
// ABOUTME: Submits turns and watches threads over SSE, delivering events through callbacks

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/coven-threads/internal/gateway"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error (%d): %s", e.StatusCode, e.Message)
}

// TurnError is a turn that failed after its event stream opened.
type TurnError struct {
	Code    string
	Message string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s): %s", e.Code, e.Message)
}

// IsConflict reports whether err is a 409 from the server: the thread is
// busy or the idempotency key was already used.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// TurnResult summarizes a completed turn stream.
type TurnResult struct {
	ThreadID  string
	TurnID    string
	Text      string // concatenated token deltas; empty when tokens were filtered out
	ToolsUsed int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to a coven-threads server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client. An empty token sends no Authorization header.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/health", &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("unhealthy status %q", resp.Status)
	}
	return nil
}

// CreateThread creates an empty thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var resp gateway.CreateThreadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/threads", nil, &resp); err != nil {
		return "", err
	}
	return resp.ThreadID, nil
}

// ListThreads returns the ids of all threads in creation order.
func (c *Client) ListThreads(ctx context.Context) ([]string, error) {
	var resp gateway.ListThreadsResponse
	if err := c.getJSON(ctx, "/api/threads", &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// History returns the rendered history of a thread. With html set, each
// message also carries its markdown rendered as HTML.
func (c *Client) History(ctx context.Context, threadID string, html bool) ([]gateway.MessageResponse, error) {
	path := "/api/threads/" + url.PathEscape(threadID) + "/messages"
	if html {
		path += "?format=html"
	}
	var resp gateway.ThreadMessagesResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Tools lists the tools the server exposes to the model.
func (c *Client) Tools(ctx context.Context) ([]gateway.ToolResponse, error) {
	var resp gateway.ListToolsResponse
	if err := c.getJSON(ctx, "/api/tools", &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// SubmitTurn runs one turn on a thread and streams its events to onEvent.
// A non-empty idempotencyKey is sent so a retried submission is rejected
// instead of running twice. Cancelling ctx cancels the turn server-side.
func (c *Client) SubmitTurn(ctx context.Context, threadID string, req gateway.SubmitTurnRequest, idempotencyKey string, onEvent func(Event)) (*TurnResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/threads/"+url.PathEscape(threadID)+"/turns", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if idempotencyKey != "" {
		httpReq.Header.Set(gateway.IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp)
	}

	result := &TurnResult{ThreadID: threadID}
	var text strings.Builder
	var turnErr error
	complete := false

	err = readEvents(ctx, resp.Body, func(ev Event) error {
		switch {
		case ev.Started != nil:
			result.TurnID = ev.Started.TurnID
		case ev.Stream != nil:
			switch ev.Type {
			case EventTokenDelta:
				text.WriteString(ev.Stream.Text)
			case EventTurnComplete:
				result.ToolsUsed = ev.Stream.ToolsUsed
				complete = true
			}
		case ev.Error != nil:
			turnErr = &TurnError{Code: ev.Error.Code, Message: ev.Error.Error}
		}
		if onEvent != nil {
			onEvent(ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if turnErr != nil {
		return nil, turnErr
	}
	if !complete {
		return nil, errors.New("stream ended before turn_complete")
	}

	result.Text = text.String()
	return result, nil
}

// Watch subscribes to every turn run on a thread and blocks, delivering
// events to onEvent until ctx is cancelled or the server closes the stream.
// The first event is EventWatching once the subscription is live.
func (c *Client) Watch(ctx context.Context, threadID string, onEvent func(Event)) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadID)+"/events", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp)
	}

	return readEvents(ctx, resp.Body, func(ev Event) error {
		if onEvent != nil {
			onEvent(ev)
		}
		return nil
	})
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse extracts the error message from a non-2xx response.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
