package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nhle/mailhub/internal/source"
)

// errNotFound is returned for 404 responses.
var errNotFound = errors.New("not found")

// Client is a thin HTTP client for the mail REST API. Authentication is
// handled by the oauth2 transport of httpClient. It never retries: 429 and
// 5xx responses become TransientErrors for the caller's retry policy.
type Client struct {
	baseURL    string
	provider   string
	httpClient *http.Client
}

// NewClient creates a client rooted at baseURL, e.g.
// https://gmail.googleapis.com/gmail/v1/users/me.
func NewClient(baseURL, provider string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		provider:   provider,
		httpClient: httpClient,
	}
}

// Get performs an HTTP GET request and unmarshals the JSON response.
func (c *Client) Get(ctx context.Context, path string, query url.Values, result any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// Post performs an HTTP POST request with a JSON body and unmarshals the
// JSON response.
func (c *Client) Post(ctx context.Context, path string, body any, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

// do builds the request, maps the response status onto connector errors
// and decodes the JSON body.
func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return &source.AuthError{Provider: c.provider, Message: "refreshing access token", Err: err}
		}
		return &source.TransientError{Provider: c.provider, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &source.TransientError{Provider: c.provider, Op: op, Err: fmt.Errorf("reading response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusForbidden && rateLimited(respBody):
		return &source.TransientError{
			Provider:   c.provider,
			Op:         op,
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, apiMessage(respBody)),
			RetryAfter: retryAfterDuration(resp),
		}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &source.AuthError{
			Provider: c.provider,
			Message:  fmt.Sprintf("%s returned %d: %s", op, resp.StatusCode, apiMessage(respBody)),
		}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, errNotFound)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &source.TransientError{
			Provider:   c.provider,
			Op:         op,
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, apiMessage(respBody)),
			RetryAfter: retryAfterDuration(resp),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &source.ProtocolError{
			Provider: c.provider,
			Op:       op,
			Err:      fmt.Errorf("unexpected status %d: %s", resp.StatusCode, apiMessage(respBody)),
		}
	}

	// No content to parse (e.g. 204).
	if result == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &source.ProtocolError{Provider: c.provider, Op: op, Err: fmt.Errorf("unmarshaling response: %w", err)}
	}
	return nil
}

// apiMessage extracts the error message from an API error body.
func apiMessage(body []byte) string {
	var apiErr ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// rateLimitReasons are the 403 reasons that signal quota exhaustion rather
// than missing permission.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// rateLimited reports whether a 403 body carries a usage limit reason.
func rateLimited(body []byte) bool {
	var apiErr ErrorResponse
	if json.Unmarshal(body, &apiErr) != nil {
		return false
	}
	for _, d := range apiErr.Error.Errors {
		if rateLimitReasons[d.Reason] {
			return true
		}
	}
	return false
}

// retryAfterDuration reads the Retry-After header, in seconds or as an HTTP
// date. Zero means the server gave no hint.
func retryAfterDuration(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
