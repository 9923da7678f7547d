// Package aiclient implements the AI Classifier Client: a batched,
// concurrent HTTP client targeting an OpenAI-compatible chat-completions
// endpoint or an Ollama-native endpoint, used by the Classifier Chain to
// resolve folder actions and per-file categories the Rules Engine could
// not finalize.
//
// Modeled on the teacher's Anthropic/OpenAI LLM clients in
// internal/extraction: per-endpoint rate limiting via golang.org/x/time/rate,
// a bounded worker pool per endpoint, and retry with exponential backoff —
// here delegated to cenkalti/backoff/v5 rather than the teacher's hand-rolled
// loop, since the generalized multi-endpoint, multi-protocol client benefits
// from a reusable policy object instead of duplicating the backoff math per
// endpoint kind.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sortkeep/curator/internal/apperr"
	"github.com/sortkeep/curator/internal/logging"
	"github.com/sortkeep/curator/internal/model"
)

// Decision is the AI's answer to one folder query.
type Decision struct {
	Action     model.FolderAction
	Category   string
	Confidence float64
	TokensIn   int
	TokensOut  int
}

// FolderQuery bundles the context the chain gives the AI about one folder.
type FolderQuery struct {
	FolderPath     string
	SampleChildren []string
	MIMEHistogram  map[string]int
	RuleHint       model.FolderAction // zero value means "no hint"

	// SurveyDominantAction/SurveySampledCount/SurveyMatchedCount carry the
	// Rules Engine's FolderHint survey (rules.Engine.SurveyFolder): the
	// dominant folder action among a sample of this folder's files that
	// matched some rule, and how many of the sample matched at all. Zero
	// SurveySampledCount means the folder had no files to sample.
	SurveyDominantAction model.FolderAction
	SurveySampledCount   int
	SurveyMatchedCount   int
}

// FileQuery bundles the context the chain gives the AI about one file
// whose folder is disaggregate-eventual and which no finalizing rule
// claimed, per spec §4.6's "otherwise ... the file goes through AI for
// category refinement".
type FileQuery struct {
	FilePath   string
	MIME       string
	FolderPath string
	RuleHint   string // a non-finalizing rule's category template, if one matched
}

// FileDecision is the AI's answer to one file category-refinement query.
type FileDecision struct {
	Category   string
	Confidence float64
	TokensIn   int
	TokensOut  int
}

// Client is the capability the Classifier Chain consumes. Implement as a
// tagged variant per protocol, never by string-sniffing at call sites.
type Client interface {
	ClassifyFolder(ctx context.Context, q FolderQuery) (Decision, error)
	// ClassifyFolders runs a batch of independent folder queries, per spec
	// §4.7's "batches folder-action queries up to a configurable batch
	// size; folder queries within one batch are independent and may be
	// answered in any order". The returned slices are positionally aligned
	// with qs; a query's error does not abort the rest of the batch.
	ClassifyFolders(ctx context.Context, qs []FolderQuery) ([]Decision, []error)
	ClassifyFile(ctx context.Context, q FileQuery) (FileDecision, error)
}

// protocol is which wire shape an endpoint speaks.
type protocol int

const (
	protocolUnknown protocol = iota
	protocolOpenAI
	protocolOllama
)

// EndpointSpec is one parsed "url|workers|model" entry.
type EndpointSpec struct {
	URL     string
	Workers int
	Model   string
}

// ParseEndpoints parses the comma-separated OLLAMA_URL-style specification
// into individual endpoints.
func ParseEndpoints(spec string) ([]EndpointSpec, error) {
	var out []EndpointSpec
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, "|")
		ep := EndpointSpec{URL: parts[0], Workers: 1}
		if len(parts) > 1 && parts[1] != "" {
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid worker count in endpoint spec %q: %w", raw, err)
			}
			ep.Workers = n
		}
		if len(parts) > 2 {
			ep.Model = parts[2]
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no endpoints in spec %q", spec)
	}
	return out, nil
}

// Config controls HTTPClient construction.
type Config struct {
	Endpoints      []EndpointSpec
	RequestTimeout time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	// BatchSize bounds how many folder queries ClassifyFolders dispatches
	// concurrently per chunk; spec §4.7's configurable batch size.
	BatchSize int
	// Logger receives endpoint-reachability and request-failure events.
	// Endpoint URLs are always redacted via internal/logging.RedactEndpoint
	// before being logged, since an endpoint spec may embed credentials in
	// its userinfo component. Defaults to a no-op logger.
	Logger *zap.Logger
}

// endpoint is one configured target plus its runtime state: a semaphore
// bounding concurrent in-flight requests to Workers, a rate limiter, and a
// cached protocol once detected.
type endpoint struct {
	spec    EndpointSpec
	sem     chan struct{}
	limiter *rate.Limiter

	mu    sync.Mutex
	proto protocol
}

// HTTPClient round-robins folder queries across its configured endpoints.
type HTTPClient struct {
	http        *http.Client
	endpoints   []*endpoint
	next        int
	nextMu      sync.Mutex
	maxRetries  int
	baseBackoff time.Duration
	batchSize   int
	log         *zap.Logger
}

// New builds an HTTPClient from cfg. At least one endpoint is required.
func New(cfg Config) (*HTTPClient, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, apperr.NewConfigError("aiclient requires at least one endpoint", nil)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	eps := make([]*endpoint, 0, len(cfg.Endpoints))
	for _, spec := range cfg.Endpoints {
		workers := spec.Workers
		if workers <= 0 {
			workers = 1
		}
		eps = append(eps, &endpoint{
			spec:    spec,
			sem:     make(chan struct{}, workers),
			limiter: rate.NewLimiter(rate.Limit(workers), workers*2),
		})
		cfg.Logger.Info("ai endpoint configured", zap.String("endpoint", logging.RedactEndpoint(spec.URL)), zap.Int("workers", workers))
	}

	return &HTTPClient{
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		endpoints:   eps,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		batchSize:   cfg.BatchSize,
		log:         cfg.Logger,
	}, nil
}

var _ Client = (*HTTPClient)(nil)

// Ping checks that at least one configured endpoint answers its protocol
// probe, for callers that need to fail fast (exit code 3 at the CLI)
// instead of discovering unreachability mid-run.
func (c *HTTPClient) Ping(ctx context.Context) error {
	var lastErr error
	for _, ep := range c.endpoints {
		if _, err := c.detectProtocol(ctx, ep); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	c.log.Warn("no configured ai endpoint is reachable", zap.String("endpoint", logging.RedactEndpoint(c.endpoints[0].spec.URL)), zap.Error(lastErr))
	return apperr.NewAIUnavailable(c.endpoints[0].spec.URL, "startup reachability check", lastErr)
}

// ClassifyFolder sends one folder query to the next endpoint in round-robin
// order and returns its decision, retrying transient failures with
// exponential backoff before giving up with apperr.AIUnavailable.
func (c *HTTPClient) ClassifyFolder(ctx context.Context, q FolderQuery) (Decision, error) {
	ep := c.pickEndpoint()

	select {
	case ep.sem <- struct{}{}:
		defer func() { <-ep.sem }()
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	if err := ep.limiter.Wait(ctx); err != nil {
		return Decision{}, err
	}

	proto, err := c.detectProtocol(ctx, ep)
	if err != nil {
		c.log.Warn("ai endpoint protocol detection failed", zap.String("endpoint", logging.RedactEndpoint(ep.spec.URL)), zap.Error(err))
		return Decision{}, apperr.NewAIUnavailable(ep.spec.URL, "protocol detection", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseBackoff

	type result struct {
		decision Decision
	}

	res, err := backoff.Retry(ctx, func() (result, error) {
		content, usage, reqErr := c.sendPrompt(ctx, ep, proto, buildFolderPrompt(q))
		if reqErr != nil {
			if !isRetryable(reqErr) {
				return result{}, backoff.Permanent(reqErr)
			}
			return result{}, reqErr
		}
		decision, perr := parseFolderDecision(content)
		if perr != nil {
			// Malformed output is retried like any other transient
			// failure, then surfaces as unavailable, per spec §4.7.
			return result{}, &retryableError{err: perr}
		}
		decision.TokensIn = usage.InputTokens
		decision.TokensOut = usage.OutputTokens
		return result{decision: decision}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.maxRetries+1)))

	if err != nil {
		c.log.Warn("ai endpoint request failed", zap.String("endpoint", logging.RedactEndpoint(ep.spec.URL)), zap.Error(err))
		return Decision{}, apperr.NewAIUnavailable(ep.spec.URL, "classify folder", err)
	}
	return res.decision, nil
}

// ClassifyFolders splits qs into chunks of at most c.batchSize and runs
// each chunk's queries concurrently, since queries within one batch are
// independent and order-agnostic per spec §4.7. One query's failure does
// not block or fail the rest of the batch.
func (c *HTTPClient) ClassifyFolders(ctx context.Context, qs []FolderQuery) ([]Decision, []error) {
	decisions := make([]Decision, len(qs))
	errs := make([]error, len(qs))

	for start := 0; start < len(qs); start += c.batchSize {
		end := start + c.batchSize
		if end > len(qs) {
			end = len(qs)
		}
		p := pool.New().WithMaxGoroutines(end - start)
		for i := start; i < end; i++ {
			i := i
			p.Go(func() {
				decisions[i], errs[i] = c.ClassifyFolder(ctx, qs[i])
			})
		}
		p.Wait()
	}
	return decisions, errs
}

// ClassifyFile sends one file category-refinement query and returns the
// AI's category decision, retrying transient failures the same way
// ClassifyFolder does.
func (c *HTTPClient) ClassifyFile(ctx context.Context, q FileQuery) (FileDecision, error) {
	ep := c.pickEndpoint()

	select {
	case ep.sem <- struct{}{}:
		defer func() { <-ep.sem }()
	case <-ctx.Done():
		return FileDecision{}, ctx.Err()
	}

	if err := ep.limiter.Wait(ctx); err != nil {
		return FileDecision{}, err
	}

	proto, err := c.detectProtocol(ctx, ep)
	if err != nil {
		c.log.Warn("ai endpoint protocol detection failed", zap.String("endpoint", logging.RedactEndpoint(ep.spec.URL)), zap.Error(err))
		return FileDecision{}, apperr.NewAIUnavailable(ep.spec.URL, "protocol detection", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseBackoff

	decision, err := backoff.Retry(ctx, func() (FileDecision, error) {
		content, usage, reqErr := c.sendPrompt(ctx, ep, proto, buildFilePrompt(q))
		if reqErr != nil {
			if !isRetryable(reqErr) {
				return FileDecision{}, backoff.Permanent(reqErr)
			}
			return FileDecision{}, reqErr
		}
		fd, perr := parseFileDecision(content)
		if perr != nil {
			return FileDecision{}, &retryableError{err: perr}
		}
		fd.TokensIn = usage.InputTokens
		fd.TokensOut = usage.OutputTokens
		return fd, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.maxRetries+1)))

	if err != nil {
		c.log.Warn("ai endpoint request failed", zap.String("endpoint", logging.RedactEndpoint(ep.spec.URL)), zap.Error(err))
		return FileDecision{}, apperr.NewAIUnavailable(ep.spec.URL, "classify file", err)
	}
	return decision, nil
}

func (c *HTTPClient) pickEndpoint() *endpoint {
	c.nextMu.Lock()
	defer c.nextMu.Unlock()
	ep := c.endpoints[c.next%len(c.endpoints)]
	c.next++
	return ep
}

// detectProtocol probes /v1/models (OpenAI shape) then /api/tags (Ollama
// shape) on first use and caches the result for the process lifetime.
func (c *HTTPClient) detectProtocol(ctx context.Context, ep *endpoint) (protocol, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.proto != protocolUnknown {
		return ep.proto, nil
	}

	if c.probeOK(ctx, ep.spec.URL+"/v1/models") {
		ep.proto = protocolOpenAI
		return ep.proto, nil
	}
	if c.probeOK(ctx, ep.spec.URL+"/api/tags") {
		ep.proto = protocolOllama
		return ep.proto, nil
	}
	return protocolUnknown, fmt.Errorf("endpoint %s speaks neither OpenAI nor Ollama protocol", ep.spec.URL)
}

func (c *HTTPClient) probeOK(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// tokenUsage is the input/output token accounting spec §4.7 requires be
// tracked per request for observability.
type tokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// sendPrompt performs one HTTP round trip for prompt against ep using
// proto's wire shape and returns the raw assistant content plus token
// usage. Network and 5xx/429 failures, and a response envelope that cannot
// be parsed, are wrapped as *retryableError; any other failure is permanent.
func (c *HTTPClient) sendPrompt(ctx context.Context, ep *endpoint, proto protocol, prompt string) (string, tokenUsage, error) {
	var url string
	var body []byte
	var err error
	switch proto {
	case protocolOpenAI:
		url = ep.spec.URL + "/v1/chat/completions"
		body, err = json.Marshal(openAIRequest{
			Model:    ep.spec.Model,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
		})
	case protocolOllama:
		url = ep.spec.URL + "/api/chat"
		body, err = json.Marshal(ollamaRequest{
			Model:    ep.spec.Model,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
			Stream:   false,
		})
	default:
		return "", tokenUsage{}, fmt.Errorf("unsupported protocol")
	}
	if err != nil {
		return "", tokenUsage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", tokenUsage{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", tokenUsage{}, &retryableError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", tokenUsage{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", tokenUsage{}, &retryableError{err: fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", tokenUsage{}, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	content, usage, err := extractResult(proto, respBody)
	if err != nil {
		return "", tokenUsage{}, &retryableError{err: err}
	}
	return content, usage, nil
}

func extractResult(proto protocol, body []byte) (string, tokenUsage, error) {
	switch proto {
	case protocolOpenAI:
		var resp openAIResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", tokenUsage{}, fmt.Errorf("parsing OpenAI response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", tokenUsage{}, fmt.Errorf("empty OpenAI response")
		}
		usage := tokenUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
		return resp.Choices[0].Message.Content, usage, nil
	case protocolOllama:
		var resp ollamaResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", tokenUsage{}, fmt.Errorf("parsing Ollama response: %w", err)
		}
		usage := tokenUsage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}
		return resp.Message.Content, usage, nil
	default:
		return "", tokenUsage{}, fmt.Errorf("unsupported protocol")
	}
}

// decisionSchema is the fixed JSON schema the AI is asked to respond with
// for a folder query.
type decisionSchema struct {
	Decision   string  `json:"decision"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

func parseFolderDecision(content string) (Decision, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < 0 || end < start {
		return Decision{}, fmt.Errorf("no JSON object in AI response")
	}

	var parsed decisionSchema
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return Decision{}, fmt.Errorf("malformed AI decision JSON: %w", err)
	}

	var action model.FolderAction
	switch strings.ToLower(strings.TrimSpace(parsed.Decision)) {
	case "keep":
		action = model.ActionKeep
	case "disaggregate":
		action = model.ActionDisaggregate
	default:
		return Decision{}, fmt.Errorf("ambiguous AI decision %q", parsed.Decision)
	}

	return Decision{Action: action, Category: parsed.Category, Confidence: parsed.Confidence}, nil
}

// fileDecisionSchema is the fixed JSON schema the AI is asked to respond
// with for a file category-refinement query: no keep/disaggregate action,
// just a category.
type fileDecisionSchema struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

func parseFileDecision(content string) (FileDecision, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < 0 || end < start {
		return FileDecision{}, fmt.Errorf("no JSON object in AI response")
	}

	var parsed fileDecisionSchema
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return FileDecision{}, fmt.Errorf("malformed AI file decision JSON: %w", err)
	}
	if strings.TrimSpace(parsed.Category) == "" {
		return FileDecision{}, fmt.Errorf("empty AI category")
	}

	return FileDecision{Category: parsed.Category, Confidence: parsed.Confidence}, nil
}

func buildFolderPrompt(q FolderQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Folder: %s\n", q.FolderPath)
	fmt.Fprintf(&b, "Sample children: %s\n", strings.Join(q.SampleChildren, ", "))
	if q.RuleHint != "" {
		fmt.Fprintf(&b, "Rule hint: %s\n", q.RuleHint)
	}
	if q.SurveySampledCount > 0 {
		fmt.Fprintf(&b, "Rule survey: %d/%d sampled files matched a rule, dominant action %q\n",
			q.SurveyMatchedCount, q.SurveySampledCount, q.SurveyDominantAction)
	}
	b.WriteString("Respond with JSON only: {\"decision\": \"keep\"|\"disaggregate\", \"category\": string, \"confidence\": float}\n")
	return b.String()
}

func buildFilePrompt(q FileQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", q.FilePath)
	fmt.Fprintf(&b, "MIME: %s\n", q.MIME)
	fmt.Fprintf(&b, "Folder: %s\n", q.FolderPath)
	if q.RuleHint != "" {
		fmt.Fprintf(&b, "Rule category template hint: %s\n", q.RuleHint)
	}
	b.WriteString("Respond with JSON only: {\"category\": string, \"confidence\": float}\n")
	return b.String()
}

// retryableError marks an error as transient; a plain error returned from
// sendPrompt is treated as permanent.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message         chatMessage `json:"message"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}
