package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
	"github.com/fairyhunter13/ai-sol-auditor/internal/resultsvc"
)

// ResultClient posts the terminal callback to the result service,
// authenticated with the per-job result token.
type ResultClient struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewResultClient builds a client for the given result service base URL.
func NewResultClient(baseURL, token string) *ResultClient {
	return &ResultClient{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Post delivers the result, retrying transient failures. A 401 or 404 is
// permanent: the token was spent or the job already left running.
func (c *ResultClient) Post(ctx domain.Context, res Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=worker.results: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/results", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=worker.results: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(resultsvc.TokenHeader, c.token)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("op=worker.results: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("op=worker.results: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("op=worker.results: status %d", resp.StatusCode))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
