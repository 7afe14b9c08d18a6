package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomworks/strand"
)

// Endpoint is one OpenAI-compatible backend, selected by provider name.
type Endpoint struct {
	// BaseURL is the API base (e.g. "https://api.openai.com/v1",
	// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
	// The /chat/completions path is appended automatically.
	BaseURL string
	APIKey  string
}

// Gateway implements strand.CompletionsGateway over the OpenAI chat
// completions API. One gateway serves multiple backends: the request's
// provider name selects the endpoint.
type Gateway struct {
	endpoints   map[string]Endpoint
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEndpoint registers a backend under the given provider name.
func WithEndpoint(name string, ep Endpoint) Option {
	return func(g *Gateway) { g.endpoints[name] = ep }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMaxAttempts sets how many times a request is tried on transient
// errors (429, 503) before the stream has produced output. Default 3.
func WithMaxAttempts(n int) Option {
	return func(g *Gateway) { g.maxAttempts = n }
}

// New creates a Gateway. Register at least one endpoint via WithEndpoint.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		endpoints:   make(map[string]Endpoint),
		client:      &http.Client{},
		logger:      slog.New(slog.DiscardHandler),
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StreamCompletion sends one streaming chat completion request and writes
// the resulting parts into ch. It does not close ch. Transient HTTP errors
// are retried with backoff as long as nothing has been written to ch.
func (g *Gateway) StreamCompletion(ctx context.Context, req strand.CompletionRequest, ch chan<- strand.StreamPart) error {
	ep, ok := g.endpoints[req.Provider.Name]
	if !ok {
		return strand.Errorf(strand.CodeProvider, "no endpoint registered for provider %q", req.Provider.Name)
	}

	body, err := buildBody(req)
	if err != nil {
		return strand.WrapError(strand.CodeProvider, "build request", err)
	}
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	payload, err := json.Marshal(body)
	if err != nil {
		return strand.WrapError(strand.CodeProvider, "marshal request", err)
	}

	policy := newApprovalPolicy(req.RequireApproval, req.ApproveByDefault)

	attempt := func() (retryable bool, err error) {
		resp, err := g.send(ctx, ep, payload)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			herr := g.httpError(resp)
			return herr.transient(), herr
		}
		return false, readSSE(ctx, resp.Body, policy, ch)
	}

	return retryStream(ctx, g.maxAttempts, g.logger, req.Provider.Name, attempt)
}

// send posts the payload to the endpoint's chat completions path.
func (g *Gateway) send(ctx context.Context, ep Endpoint, payload []byte) (*http.Response, error) {
	url := ep.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, strand.WrapError(strand.CodeProvider, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, strand.WrapError(strand.CodeProvider, "send request", err)
	}
	return resp, nil
}

// httpError reads the response body into a non-OK status error. The
// Retry-After header is parsed for the retry delay on 429/503 responses.
func (g *Gateway) httpError(resp *http.Response) *httpStatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &httpStatusError{
		status:     resp.StatusCode,
		body:       string(body),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// httpStatusError is a non-200 completions response.
type httpStatusError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("completions API returned %d: %s", e.status, e.body)
}

func (e *httpStatusError) transient() bool {
	return e.status == http.StatusTooManyRequests || e.status == http.StatusServiceUnavailable
}

// compile-time check
var _ strand.CompletionsGateway = (*Gateway)(nil)
