package jina

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

func TestFetch_ReadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/https://acme.se", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "markdown", r.Header.Get("X-Return-Format"))
		json.NewEncoder(w).Encode(readResponse{
			Code: 200,
			Data: readData{Title: "Acme AB", URL: "https://acme.se", Content: "# Acme"},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	res, err := c.Fetch(context.Background(), "https://acme.se", provider.FetchOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Acme AB", res.Title)
	assert.Equal(t, "# Acme", res.Content)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestFetch_SearchQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/acme+ab+sweden", r.URL.EscapedPath())
		json.NewEncoder(w).Encode(searchResponse{
			Code: 200,
			Data: []searchResult{
				{Title: "Acme AB", URL: "https://acme.se", Description: "Swedish company"},
				{Title: "Acme registry entry", URL: "https://registry.example/acme", Content: "Org data"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithSearchBaseURL(srv.URL))
	res, err := c.Fetch(context.Background(), "acme ab sweden", provider.FetchOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Acme AB", res.Title)
	assert.Equal(t, "https://acme.se", res.URL)
	assert.Contains(t, res.Content, "[1] Acme AB")
	assert.Contains(t, res.Content, "[2] Acme registry entry")
	assert.Contains(t, res.Content, "Swedish company")
}

func TestFetch_SearchNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithSearchBaseURL(srv.URL))
	res, err := c.Fetch(context.Background(), "no such company", provider.FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Content)
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   resilience.ErrorKind
	}{
		{http.StatusTooManyRequests, resilience.KindRateLimited},
		{http.StatusPaymentRequired, resilience.KindQuotaExhausted},
		{http.StatusServiceUnavailable, resilience.KindTransient},
		{http.StatusNotFound, resilience.KindFatal},
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

func TestFetch_FormatOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text", r.Header.Get("X-Return-Format"))
		json.NewEncoder(w).Encode(readResponse{Code: 200})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.Fetch(context.Background(), "https://acme.se", provider.FetchOptions{Formats: []string{"text"}})
	require.NoError(t, err)
}
