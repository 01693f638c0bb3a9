// Package provider defines the two narrow interfaces the pipeline consumes
// external services through, and a registry mapping service names to
// adapters with their configured fallbacks.
package provider

import (
	"context"
	"time"

	"github.com/sells-group/enrich-cli/internal/model"
)

// CompletionRequest is one LLM completion call.
type CompletionRequest struct {
	System      string
	User        string
	Temperature *float64
	MaxTokens   int
	// EnableSearch requests the provider's search/grounding capability.
	// Providers without one ignore it.
	EnableSearch bool
}

// CompletionResult is the provider-neutral completion output.
type CompletionResult struct {
	Text         string
	Sources      []model.SourceLink
	InputTokens  int64
	OutputTokens int64
}

// Completion is the narrow LLM interface. Errors returned by Complete must
// be classifiable: adapters wrap provider failures in
// resilience.ProviderError so the executor never parses message text.
type Completion interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// FetchOptions configures one fetch call.
type FetchOptions struct {
	Formats []string
	Timeout time.Duration
}

// FetchResult is the provider-neutral fetch output.
type FetchResult struct {
	Title      string
	URL        string
	Content    string
	StatusCode int
}

// Fetcher is the narrow scrape/lookup interface. Same error contract as
// Completion.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, target string, opts FetchOptions) (*FetchResult, error)
}
