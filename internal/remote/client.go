// Package remote implements the sync side of the engine: a timeout-bounded
// JSON client for the durable variable store plus a retrying push queue.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds one fetch or push round trip.
const DefaultTimeout = 2000 * time.Millisecond

// request is the abstracted wire format: one action plus its payload.
type request struct {
	Action    string            `json:"action"`
	Token     string            `json:"token"`
	Keys      []string          `json:"keys,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// response mirrors the remote store's uniform reply shape.
type response struct {
	Success bool              `json:"success"`
	Data    map[string]string `json:"data"`
	Message string            `json:"message"`
	Code    string            `json:"code"`
}

// Client talks to the remote variable store. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	httpc   *http.Client
	log     *slog.Logger
}

// NewClient builds a client for the store at baseURL. timeout <= 0 selects
// DefaultTimeout.
func NewClient(baseURL, token string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		timeout: timeout,
		httpc:   &http.Client{},
		log:     log,
	}
}

// Fetch reads the given keys (all variables when keys is empty). The round
// trip is bounded by the client timeout; a deadline hit aborts the request
// and classifies retryable.
func (c *Client) Fetch(ctx context.Context, keys []string) (map[string]string, error) {
	resp, err := c.call(ctx, request{Action: "fetch", Token: c.token, Keys: keys})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return map[string]string{}, nil
	}
	return resp.Data, nil
}

// Push writes one key/value pair. Single attempt; retry policy lives in the
// Queue.
func (c *Client) Push(ctx context.Context, key, value string) error {
	_, err := c.call(ctx, request{
		Action:    "push",
		Token:     c.token,
		Variables: map[string]string{key: value},
	})
	return err
}

// Ping is the recovery probe: a cheap fetch of no keys. Used to decide when
// fallback mode can be lifted.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, request{Action: "ping", Token: c.token})
	return err
}

func (c *Client) call(ctx context.Context, req request) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &NetworkError{Op: req.Action, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Op: req.Action, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(ctx.Err(), context.DeadlineExceeded)
		return nil, &NetworkError{Op: req.Action, Err: err, Timeout: timeout}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, &NetworkError{Op: req.Action, Err: err}
	}

	var parsed response
	// Tolerate non-JSON error bodies; status classification below still
	// applies.
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized,
		httpResp.StatusCode == http.StatusForbidden:
		c.log.Warn("remote: authentication rejected",
			"action", req.Action, "status", httpResp.StatusCode, "security", true)
		return nil, &AuthError{Status: httpResp.StatusCode, Message: parsed.Message}
	case httpResp.StatusCode >= 500:
		return nil, &ServerError{Status: httpResp.StatusCode, Message: parsed.Message}
	case httpResp.StatusCode >= 400:
		return nil, &RequestError{Status: httpResp.StatusCode, Message: parsed.Message, Code: parsed.Code}
	}

	if !parsed.Success {
		return nil, &RequestError{
			Status:  httpResp.StatusCode,
			Message: fmt.Sprintf("store reported failure: %s", parsed.Message),
			Code:    parsed.Code,
		}
	}
	return &parsed, nil
}
