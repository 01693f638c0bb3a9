package firecrawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

func TestFetch_Scrape(t *testing.T) {
	var got scrapeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scrape", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(scrapeResponse{
			Success: true,
			Data: pageData{
				Markdown: "# Acme",
				Metadata: metadata{Title: "Acme AB", SourceURL: "https://acme.se", StatusCode: 200},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	res, err := c.Fetch(context.Background(), "https://acme.se", provider.FetchOptions{})
	require.NoError(t, err)

	assert.Equal(t, "https://acme.se", got.URL)
	assert.Equal(t, []string{"markdown"}, got.Formats)
	assert.Equal(t, "Acme AB", res.Title)
	assert.Equal(t, "# Acme", res.Content)
	assert.Equal(t, 200, res.StatusCode)
}

func TestFetch_UnsuccessfulScrapeIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(scrapeResponse{Success: false, Error: "render timeout"})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.Fetch(context.Background(), "https://acme.se", provider.FetchOptions{})
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransient, resilience.Classify(err).Kind)
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   resilience.ErrorKind
	}{
		{http.StatusTooManyRequests, resilience.KindRateLimited},
		{http.StatusPaymentRequired, resilience.KindQuotaExhausted},
		{http.StatusBadGateway, resilience.KindTransient},
		{http.StatusForbidden, resilience.KindFatal},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := NewClient("test-key", WithBaseURL(srv.URL))

		_, err := c.Fetch(context.Background(), "https://acme.se", provider.FetchOptions{})
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.kind, resilience.Classify(err).Kind, "status %d", tt.status)
		srv.Close()
	}
}
