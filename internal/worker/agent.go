package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/fairyhunter13/ai-sol-auditor/internal/bundle"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// ExecRunner invokes the agent runner binary baked into the worker image.
// The runner reads the project from its working directory and prints the
// report to stdout.
type ExecRunner struct {
	Cmd     string
	Timeout time.Duration
	Log     *slog.Logger
}

// Run executes the agent and returns its stdout.
func (r ExecRunner) Run(ctx domain.Context, spec AgentSpec) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Cmd, spec.AgentID)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), AgentEnv(spec.Key, spec.ProxyURL)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if stderr.Len() > 0 {
		r.Log.Info("agent stderr", slog.String("output", stderr.String()))
	}
	if err != nil {
		return "", fmt.Errorf("op=worker.agent: %w", err)
	}
	return stdout.String(), nil
}

// AgentEnv translates the credential envelope into the environment the
// agent process reads. In proxy modes the encrypted token or STATIC marker
// rides as the API key and the base URL points at the model proxy, which
// resolves the real credential.
func AgentEnv(key bundle.Key, proxyURL string) []string {
	env := []string{
		"OPENAI_API_KEY=" + key.OpenAIToken,
		"OAI_PROVIDER=" + key.Provider,
	}
	switch key.KeyMode {
	case domain.KeyModeProxy, domain.KeyModeProxyStatic:
		if proxyURL != "" {
			env = append(env, "OPENAI_BASE_URL="+proxyURL)
		}
	}
	return env
}
