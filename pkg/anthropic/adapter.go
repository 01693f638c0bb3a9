package anthropic

import (
	"context"
	"net/url"
	"strings"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/provider"
)

// Adapter exposes a Client as a pipeline completion provider.
type Adapter struct {
	client        Client
	name          string
	model         string
	maxSearchUses int
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithName overrides the registry name (default "anthropic"), letting the
// same client serve as its own cheaper fallback under a second name.
func WithName(name string) AdapterOption {
	return func(a *Adapter) { a.name = name }
}

// WithMaxSearchUses bounds web searches per message.
func WithMaxSearchUses(n int) AdapterOption {
	return func(a *Adapter) { a.maxSearchUses = n }
}

// NewAdapter wraps client with a fixed model.
func NewAdapter(client Client, modelID string, opts ...AdapterOption) *Adapter {
	a := &Adapter{client: client, name: "anthropic", model: modelID, maxSearchUses: 5}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements provider.Completion.
func (a *Adapter) Name() string { return a.name }

// Complete implements provider.Completion.
func (a *Adapter) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResult, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	resp, err := a.client.CreateMessage(ctx, MessageRequest{
		Model:         a.model,
		MaxTokens:     maxTokens,
		System:        req.System,
		Messages:      []Message{{Role: "user", Content: req.User}},
		Temperature:   req.Temperature,
		EnableSearch:  req.EnableSearch,
		MaxSearchUses: a.maxSearchUses,
	})
	if err != nil {
		return nil, err
	}

	out := &provider.CompletionResult{
		Text:         extractText(resp),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	for _, cit := range resp.Citations {
		out.Sources = append(out.Sources, model.SourceLink{
			Title:  cit.Title,
			URL:    cit.URL,
			Domain: hostOf(cit.URL),
		})
	}
	return out, nil
}

// extractText joins the text blocks of a response.
func extractText(resp *MessageResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}
