package perplexity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClient("test-key", WithBaseURL(srv.URL), WithModel("sonar"))
}

func TestComplete_Success(t *testing.T) {
	var got chatRequest
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(chatResponse{
			Choices: []choice{{Message: message{Role: "assistant", Content: `{"fields": {}}`}}},
			SearchResults: []searchResult{
				{Title: "Registry", URL: "https://www.registry.example/acme"},
			},
			Usage: usage{PromptTokens: 10, CompletionTokens: 5},
		})
	})

	res, err := c.Complete(context.Background(), provider.CompletionRequest{
		System:    "sys",
		User:      "find acme",
		MaxTokens: 256,
	})
	require.NoError(t, err)

	assert.Equal(t, "sonar", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 256, *got.MaxTokens)

	assert.Equal(t, `{"fields": {}}`, res.Text)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "registry.example", res.Sources[0].Domain)
	assert.Equal(t, int64(10), res.InputTokens)
}

func TestComplete_RateLimitedWithWaitHint(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "rate limit exceeded, try again in 31m23s"}`))
	})

	_, err := c.Complete(context.Background(), provider.CompletionRequest{User: "x"})
	require.Error(t, err)

	cls := resilience.Classify(err)
	assert.Equal(t, resilience.KindRateLimited, cls.Kind)
	assert.Equal(t, 31*time.Minute+23*time.Second, cls.WaitHint)
}

func TestComplete_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   resilience.ErrorKind
	}{
		{http.StatusTooManyRequests, "slow down", resilience.KindRateLimited},
		{http.StatusPaymentRequired, "payment required", resilience.KindQuotaExhausted},
		{http.StatusUnauthorized, "bad key", resilience.KindFatal},
		{http.StatusBadGateway, "upstream", resilience.KindTransient},
		{http.StatusBadRequest, "monthly quota exceeded", resilience.KindQuotaExhausted},
		{http.StatusBadRequest, "malformed", resilience.KindFatal},
	}
	for _, tt := range tests {
		err := classifyStatus(tt.status, tt.body)
		assert.Equal(t, tt.kind, resilience.Classify(err).Kind, "status %d body %q", tt.status, tt.body)
	}
}

func TestComplete_EmptyChoicesIsDataInvalid(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{})
	})

	_, err := c.Complete(context.Background(), provider.CompletionRequest{User: "x"})
	require.Error(t, err)
	assert.Equal(t, resilience.KindDataInvalid, resilience.Classify(err).Kind)
}
