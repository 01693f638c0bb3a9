package main

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/queue"
)

type stubFetcher struct {
	name  string
	res   *provider.FetchResult
	err   error
	calls int
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) Fetch(ctx context.Context, target string, opts provider.FetchOptions) (*provider.FetchResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func newFetchQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(queue.Options{
		PollInterval:       2 * time.Millisecond,
		DefaultMaxAttempts: 1,
	})
	t.Cleanup(q.Close)
	return q
}

func TestFetchThrough_FirstProviderWins(t *testing.T) {
	q := newFetchQueue(t)
	primary := &stubFetcher{name: "jina", res: &provider.FetchResult{URL: "https://example.com", Content: "# hello"}}
	backup := &stubFetcher{name: "firecrawl"}

	res, err := fetchThrough(context.Background(), q, []provider.Fetcher{primary, backup}, "https://example.com", provider.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "# hello", res.Content)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, backup.calls)
}

func TestFetchThrough_FallsBackOnFailure(t *testing.T) {
	q := newFetchQueue(t)
	primary := &stubFetcher{name: "jina", err: eris.New("jina: 503")}
	backup := &stubFetcher{name: "firecrawl", res: &provider.FetchResult{Content: "rescued"}}

	res, err := fetchThrough(context.Background(), q, []provider.Fetcher{primary, backup}, "https://example.com", provider.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "rescued", res.Content)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)
}

func TestFetchThrough_AllProvidersFail(t *testing.T) {
	q := newFetchQueue(t)
	primary := &stubFetcher{name: "jina", err: eris.New("jina: 503")}
	backup := &stubFetcher{name: "firecrawl", err: eris.New("firecrawl: 500")}

	_, err := fetchThrough(context.Background(), q, []provider.Fetcher{primary, backup}, "https://example.com", provider.FetchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all providers failed")
}
