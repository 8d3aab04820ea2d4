// Package secrets is the HTTP client for the secret store, used by the
// admission API to stage bundles and by cleanup paths to destroy them.
package secrets

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// TokenHeader carries the capability token on every request.
const TokenHeader = "X-Secrets-Token"

// Client talks to the secret store. Writes retry with exponential backoff
// because PUT and DELETE are idempotent by ref.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// New builds a client with the given capability token. Callers hold either
// the read or the write token, never both.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) do(ctx domain.Context, method, ref string, body []byte) (*http.Response, error) {
	var resp *http.Response
	op := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v1/bundles/"+ref, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set(TokenHeader, c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/x-tar")
		}
		r, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			_ = r.Body.Close()
			return fmt.Errorf("secret store returned %d", r.StatusCode)
		}
		resp = r
		return nil
	}
	bo := backoff.WithContext(newBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return resp, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = 10 * time.Second
	return expo
}

// Put stores bundle bytes under ref.
func (c *Client) Put(ctx domain.Context, ref string, bundle []byte) error {
	resp, err := c.do(ctx, http.MethodPut, ref, bundle)
	if err != nil {
		return fmt.Errorf("op=secrets.put: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("op=secrets.put: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Get fetches the bundle. Remember the store burns a read per call.
func (c *Client) Get(ctx domain.Context, ref string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("op=secrets.get: %w", domain.ErrNotFound)
	default:
		return nil, fmt.Errorf("op=secrets.get: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.get: %w", err)
	}
	return data, nil
}

// Delete destroys the bundle; unknown refs are not an error.
func (c *Client) Delete(ctx domain.Context, ref string) error {
	resp, err := c.do(ctx, http.MethodDelete, ref, nil)
	if err != nil {
		return fmt.Errorf("op=secrets.delete: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("op=secrets.delete: unexpected status %d", resp.StatusCode)
	}
	return nil
}

var _ domain.SecretStore = (*Client)(nil)
