// Package perplexity adapts the Perplexity chat-completions API to the
// pipeline's completion interface. Perplexity answers are search-grounded,
// which makes it the configured fallback for rate-limited primaries.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar-pro"
)

// chatRequest is the request body for POST /chat/completions.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the response from POST /chat/completions.
type chatResponse struct {
	ID            string         `json:"id"`
	Choices       []choice       `json:"choices"`
	SearchResults []searchResult `json:"search_results"`
	Usage         usage          `json:"usage"`
}

type choice struct {
	Index   int     `json:"index"`
	Message message `json:"message"`
}

type searchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client performs chat completions against the Perplexity API.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a Perplexity completion adapter.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name implements provider.Completion.
func (c *Client) Name() string { return "perplexity" }

// Complete implements provider.Completion. Perplexity grounds every answer
// in web search, so EnableSearch is accepted but changes nothing.
func (c *Client) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResult, error) {
	msgs := make([]message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, message{Role: "user", Content: req.User})

	chatReq := chatRequest{Model: c.model, Messages: msgs, Temperature: req.Temperature}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = &req.MaxTokens
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &resilience.ProviderError{
			Provider: "perplexity",
			Kind:     resilience.KindDataInvalid,
			Err:      eris.Wrap(err, "perplexity: unmarshal response"),
		}
	}
	if len(result.Choices) == 0 {
		return nil, &resilience.ProviderError{
			Provider: "perplexity",
			Kind:     resilience.KindDataInvalid,
			Err:      eris.New("perplexity: response has no choices"),
		}
	}

	out := &provider.CompletionResult{
		Text:         result.Choices[0].Message.Content,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
	}
	for _, sr := range result.SearchResults {
		out.Sources = append(out.Sources, model.SourceLink{
			Title:  sr.Title,
			URL:    sr.URL,
			Domain: hostOf(sr.URL),
		})
	}
	return out, nil
}

// classifyStatus maps an API failure to the typed taxonomy. Rate-limit
// messages sometimes carry a "try again in 31m23s" estimate; that becomes
// the wait hint.
func classifyStatus(status int, body string) *resilience.ProviderError {
	pe := &resilience.ProviderError{
		Provider:   "perplexity",
		StatusCode: status,
		Err:        eris.Errorf("perplexity: unexpected status %d: %s", status, body),
	}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Kind = resilience.KindRateLimited
		if hint, ok := resilience.ParseWaitHint(body); ok {
			pe.WaitHint = hint
		}
	case status == http.StatusPaymentRequired:
		pe.Kind = resilience.KindQuotaExhausted
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = resilience.KindFatal
	case status >= 500:
		pe.Kind = resilience.KindTransient
	case strings.Contains(strings.ToLower(body), "quota"):
		pe.Kind = resilience.KindQuotaExhausted
	default:
		pe.Kind = resilience.KindFatal
	}
	return pe
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}
