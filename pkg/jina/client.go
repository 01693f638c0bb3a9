// Package jina adapts the Jina AI reader and search API to the pipeline's
// fetch interface. Targets that look like URLs go through the reader;
// anything else is treated as a search query.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// readResponse is the parsed reader API response.
type readResponse struct {
	Code int      `json:"code"`
	Data readData `json:"data"`
}

type readData struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// searchResponse is the parsed search API response.
type searchResponse struct {
	Code int            `json:"code"`
	Data []searchResult `json:"data"`
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom reader base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithSearchBaseURL sets a custom search base URL (for testing).
func WithSearchBaseURL(url string) Option {
	return func(c *Client) {
		c.searchBaseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client fetches pages and search results through Jina AI.
type Client struct {
	apiKey        string
	baseURL       string
	searchBaseURL string
	http          *http.Client
}

// NewClient creates a new Jina fetch adapter.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:        apiKey,
		baseURL:       "https://r.jina.ai",
		searchBaseURL: "https://s.jina.ai",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements provider.Fetcher.
func (c *Client) Name() string { return "jina" }

// Fetch implements provider.Fetcher.
func (c *Client) Fetch(ctx context.Context, target string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return c.read(ctx, target, opts)
	}
	return c.search(ctx, target, opts)
}

func (c *Client) read(ctx context.Context, targetURL string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", c.baseURL, targetURL), nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Return-Format", format(opts))

	body, statusCode, err := c.do(ctx, req, opts.Timeout)
	if err != nil {
		return nil, err
	}
	if statusCode != http.StatusOK {
		return nil, classifyStatus(statusCode, string(body))
	}

	var result readResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &resilience.ProviderError{
			Provider: "jina",
			Kind:     resilience.KindDataInvalid,
			Err:      eris.Wrap(err, "jina: unmarshal response"),
		}
	}

	return &provider.FetchResult{
		Title:      result.Data.Title,
		URL:        result.Data.URL,
		Content:    result.Data.Content,
		StatusCode: statusCode,
	}, nil
}

func (c *Client) search(ctx context.Context, query string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s", c.searchBaseURL, url.QueryEscape(query)), nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create search request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.do(ctx, req, opts.Timeout)
	if err != nil {
		return nil, err
	}

	// Jina returns 422 when no results are available for the query.
	// Treat this as empty results rather than an error.
	if statusCode == http.StatusUnprocessableEntity {
		return &provider.FetchResult{StatusCode: statusCode}, nil
	}
	if statusCode != http.StatusOK {
		return nil, classifyStatus(statusCode, string(body))
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &resilience.ProviderError{
			Provider: "jina",
			Kind:     resilience.KindDataInvalid,
			Err:      eris.Wrap(err, "jina: unmarshal search response"),
		}
	}

	var sb strings.Builder
	var firstURL, firstTitle string
	for i, r := range result.Data {
		if i == 0 {
			firstURL, firstTitle = r.URL, r.Title
		}
		fmt.Fprintf(&sb, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, firstNonEmpty(r.Content, r.Description))
	}
	return &provider.FetchResult{
		Title:      firstTitle,
		URL:        firstURL,
		Content:    sb.String(),
		StatusCode: statusCode,
	}, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, timeout time.Duration) ([]byte, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, eris.Wrap(err, "jina: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, eris.Wrap(err, "jina: read response body")
	}
	return body, resp.StatusCode, nil
}

func classifyStatus(status int, body string) *resilience.ProviderError {
	pe := &resilience.ProviderError{
		Provider:   "jina",
		StatusCode: status,
		Err:        eris.Errorf("jina: unexpected status %d: %s", status, body),
	}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Kind = resilience.KindRateLimited
	case status == http.StatusPaymentRequired:
		pe.Kind = resilience.KindQuotaExhausted
	case status >= 500:
		pe.Kind = resilience.KindTransient
	default:
		pe.Kind = resilience.KindFatal
	}
	return pe
}

func format(opts provider.FetchOptions) string {
	if len(opts.Formats) > 0 {
		return opts.Formats[0]
	}
	return "markdown"
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
