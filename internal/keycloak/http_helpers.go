package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

// apiPath expands a path template with escaped segments.
func apiPath(template string, segments ...string) string {
	args := make([]any, len(segments))
	for i, s := range segments {
		args[i] = url.PathEscape(s)
	}
	return fmt.Sprintf(template, args...)
}

func (c *Client) newRequest(ctx context.Context, method string, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doRequest(req *http.Request, op string) (*http.Response, error) {
	if c.guard != nil {
		if err := c.guard.acquire(req.Context(), op); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%s: %w", op, err)
		if c.guard != nil {
			c.guard.release(op, false)
		}
		if operatorerrors.IsTransientConnection(err) {
			return nil, operatorerrors.WrapTransientConnection(wrapped)
		}
		return nil, wrapped
	}
	return resp, nil
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// doAndReadAll performs req and returns the status code and body. 429 and 5xx responses
// count against the circuit breaker and are returned as overload errors; every other
// status is left to the caller.
func (c *Client) doAndReadAll(req *http.Request, op string) (int, []byte, error) {
	resp, err := c.doRequest(req, op)
	if err != nil {
		return 0, nil, err
	}
	defer drainAndClose(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.guard != nil {
			c.guard.release(op, false)
		}
		return 0, nil, fmt.Errorf("%s: failed to read response body: %w", op, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		if c.guard != nil {
			c.guard.release(op, false)
		}
		return resp.StatusCode, nil, operatorerrors.WrapTransientRemoteOverloaded(
			fmt.Errorf("%s: Keycloak API overloaded (status %d): %s", op, resp.StatusCode, string(body)),
		)
	}

	if c.guard != nil {
		c.guard.release(op, true)
	}
	return resp.StatusCode, body, nil
}

func unexpectedStatus(op string, status int, body []byte) error {
	err := fmt.Errorf("%s: unexpected status %d: %s", op, status, string(body))
	if status == http.StatusForbidden {
		return operatorerrors.WrapPermanentConfig(err)
	}
	return err
}
