package usecase

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// LivenessProber checks a credential against the upstream model listing
// endpoint, the cheapest authenticated call the provider offers.
type LivenessProber struct {
	BaseURL string
	HTTPC   *http.Client
}

// NewLivenessProber builds a prober with a short timeout; admission should
// not hang on a slow upstream.
func NewLivenessProber(baseURL string) *LivenessProber {
	return &LivenessProber{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPC:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Probe returns an error unless the upstream accepts the key.
func (p *LivenessProber) Probe(ctx domain.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("op=keyprobe: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := p.HTTPC.Do(req)
	if err != nil {
		return fmt.Errorf("op=keyprobe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=keyprobe: upstream status %d", resp.StatusCode)
	}
	return nil
}
