// Package oaiproxy is the stateless model proxy. Workers send requests with
// an encrypted credential token (or the static marker); the proxy swaps in
// the real key and streams the upstream response back.
package oaiproxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/aesgcm"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// Provider names accepted in the provider query parameter.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

// Upstream describes one provider endpoint.
type Upstream struct {
	BaseURL *url.URL
	// IdentityHeaders are injected on every forwarded request.
	IdentityHeaders map[string]string
}

// Server resolves credentials and forwards requests upstream.
type Server struct {
	upstreams map[string]Upstream
	defaultUp string
	staticKey string
	aesKey    []byte
	log       *slog.Logger
	rp        *httputil.ReverseProxy
}

type proxyTarget struct {
	upstream Upstream
	provider string
	key      string
}

type targetKey struct{}

// Options configures the proxy server.
type Options struct {
	OpenAIBaseURL     string
	OpenRouterBaseURL string
	OpenRouterReferer string
	OpenRouterTitle   string
	StaticKey         string
	// SharedSecret derives the AES key used to open worker tokens; empty
	// disables encrypted tokens entirely.
	SharedSecret string
}

// New builds the proxy. Base URLs must parse; failures are configuration
// errors surfaced at startup.
func New(opts Options, log *slog.Logger) (*Server, error) {
	openai, err := url.Parse(opts.OpenAIBaseURL)
	if err != nil {
		return nil, err
	}
	openrouter, err := url.Parse(opts.OpenRouterBaseURL)
	if err != nil {
		return nil, err
	}
	orHeaders := map[string]string{}
	if opts.OpenRouterReferer != "" {
		orHeaders["HTTP-Referer"] = opts.OpenRouterReferer
	}
	if opts.OpenRouterTitle != "" {
		orHeaders["X-Title"] = opts.OpenRouterTitle
	}
	s := &Server{
		upstreams: map[string]Upstream{
			ProviderOpenAI:     {BaseURL: openai},
			ProviderOpenRouter: {BaseURL: openrouter, IdentityHeaders: orHeaders},
		},
		defaultUp: ProviderOpenAI,
		staticKey: opts.StaticKey,
		log:       log,
	}
	if opts.SharedSecret != "" {
		s.aesKey = aesgcm.DeriveKey(opts.SharedSecret)
	}
	s.rp = &httputil.ReverseProxy{
		Rewrite:       s.rewrite,
		FlushInterval: -1,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			// No response header timeout: completions may stream for a
			// very long time.
			ResponseHeaderTimeout: 0,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error("upstream request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
		ModifyResponse: func(resp *http.Response) error {
			tgt, _ := resp.Request.Context().Value(targetKey{}).(*proxyTarget)
			if tgt != nil {
				class := strconv.Itoa(resp.StatusCode/100) + "xx"
				observability.ProxyUpstreamTotal.WithLabelValues(tgt.provider, class).Inc()
			}
			return nil
		},
	}
	return s, nil
}

// ServeHTTP authenticates the worker token, resolves the real key and
// forwards the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	var key string
	switch {
	case token == domain.StaticKeyMarker:
		if s.staticKey == "" {
			http.Error(w, "static key not configured", http.StatusNotImplemented)
			return
		}
		key = s.staticKey
	case s.aesKey != nil:
		plain, err := aesgcm.Decrypt(token, s.aesKey)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		key = plain
	default:
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = s.defaultUp
	}
	up, ok := s.upstreams[provider]
	if !ok {
		http.Error(w, "unknown provider", http.StatusBadRequest)
		return
	}

	tgt := &proxyTarget{upstream: up, provider: provider, key: key}
	s.rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), targetKey{}, tgt)))
}

// rewrite builds the outbound request: upstream URL joined with the
// percent-encoded inbound path, provider stripped from the query, the real
// key in Authorization and Content-Length recomputed by the transport.
func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	tgt := pr.In.Context().Value(targetKey{}).(*proxyTarget)
	base := tgt.upstream.BaseURL

	out := pr.Out
	out.URL.Scheme = base.Scheme
	out.URL.Host = base.Host
	joinEscapedPath(out.URL, base, pr.In.URL)
	out.Host = base.Host

	q := pr.In.URL.Query()
	q.Del("provider")
	out.URL.RawQuery = q.Encode()

	out.Header.Del("Content-Length")
	out.Header.Set("Authorization", "Bearer "+tgt.key)
	for k, v := range tgt.upstream.IdentityHeaders {
		out.Header.Set(k, v)
	}
}

// joinEscapedPath concatenates the base path with the inbound escaped path
// so percent-encoded segments survive the hop intact.
func joinEscapedPath(dst *url.URL, base, in *url.URL) {
	basePath := strings.TrimRight(base.EscapedPath(), "/")
	escaped := basePath + in.EscapedPath()
	dst.RawPath = escaped
	if p, err := url.PathUnescape(escaped); err == nil {
		dst.Path = p
	} else {
		dst.Path = escaped
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
