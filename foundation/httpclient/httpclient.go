// Package httpclient provides basic http functions
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client wraps an http.Client with a bounded per-call timeout and retry policy
// for talking to collaborator services (geocoder, road snapper, vehicle provider).
type Client struct {
	http        *http.Client
	maxRetries  uint64
	bearerToken string
}

// New creates a Client whose calls never exceed timeout, retrying transient
// failures up to maxRetries times with exponential backoff
func New(timeout time.Duration, maxRetries int) *Client {
	return &Client{
		http:       &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
	}
}

// NewWithBearerToken creates a Client that sends token as an Authorization
// bearer header on every request
func NewWithBearerToken(timeout time.Duration, maxRetries int, token string) *Client {
	client := New(timeout, maxRetries)
	client.bearerToken = token
	return client
}

// GetJSON performs a GET against url and unmarshals the JSON response into out
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	operation := func() error {
		body, err := c.retrieveBytes(ctx, url)
		if err != nil {
			return err
		}
		if unmarshalErr := json.Unmarshal(body, out); unmarshalErr != nil {
			// a malformed body won't improve on retry
			return backoff.Permanent(fmt.Errorf("unable to parse response from %s: %w", url, unmarshalErr))
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(operation, policy)
}

// retrieveBytes pulls bytes from url using simple GET request
func (c *Client) retrieveBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error %d from %s", resp.StatusCode, url)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("request to %s rejected with status %d", url, resp.StatusCode))
	}
	return body, nil
}
