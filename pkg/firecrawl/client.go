// Package firecrawl adapts the Firecrawl scrape API to the pipeline's fetch
// interface. It is the fallback fetcher when the reader adapter fails.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

const defaultBaseURL = "https://api.firecrawl.dev/v2"

// scrapeRequest is the body for POST /scrape.
type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats,omitempty"`
}

// scrapeResponse is the response from POST /scrape.
type scrapeResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Data    pageData `json:"data"`
}

type pageData struct {
	URL        string   `json:"url"`
	Markdown   string   `json:"markdown"`
	Metadata   metadata `json:"metadata"`
	StatusCode int      `json:"statusCode"`
}

type metadata struct {
	Title      string `json:"title"`
	SourceURL  string `json:"sourceURL"`
	StatusCode int    `json:"statusCode"`
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client scrapes pages through the Firecrawl API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Firecrawl fetch adapter.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
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

// Name implements provider.Fetcher.
func (c *Client) Name() string { return "firecrawl" }

// Fetch implements provider.Fetcher.
func (c *Client) Fetch(ctx context.Context, target string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	formats := opts.Formats
	if len(formats) == 0 {
		formats = []string{"markdown"}
	}
	body, err := json.Marshal(scrapeRequest{URL: target, Formats: formats})
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}

	var result scrapeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &resilience.ProviderError{
			Provider: "firecrawl",
			Kind:     resilience.KindDataInvalid,
			Err:      eris.Wrap(err, "firecrawl: unmarshal response"),
		}
	}
	if !result.Success {
		return nil, &resilience.ProviderError{
			Provider: "firecrawl",
			Kind:     resilience.KindTransient,
			Err:      eris.Errorf("firecrawl: scrape failed: %s", result.Error),
		}
	}

	out := &provider.FetchResult{
		Title:      result.Data.Metadata.Title,
		URL:        result.Data.Metadata.SourceURL,
		Content:    result.Data.Markdown,
		StatusCode: result.Data.Metadata.StatusCode,
	}
	if out.URL == "" {
		out.URL = target
	}
	return out, nil
}

func classifyStatus(status int, body string) *resilience.ProviderError {
	pe := &resilience.ProviderError{
		Provider:   "firecrawl",
		StatusCode: status,
		Err:        eris.Errorf("firecrawl: unexpected status %d: %s", status, body),
	}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Kind = resilience.KindRateLimited
		if hint, ok := resilience.ParseWaitHint(body); ok {
			pe.WaitHint = hint
		}
	case status == http.StatusPaymentRequired:
		pe.Kind = resilience.KindQuotaExhausted
	case status >= 500:
		pe.Kind = resilience.KindTransient
	default:
		pe.Kind = resilience.KindFatal
	}
	return pe
}
