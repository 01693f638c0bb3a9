package anthropic

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

// classifyErr wraps an SDK failure in the typed taxonomy so the executor
// never inspects message strings.
func classifyErr(err error) error {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		// Transport-level failure; the classifier's network heuristics
		// decide whether it is transient.
		return eris.Wrap(err, "anthropic: create message")
	}

	var retryAfter string
	if apierr.Response != nil {
		retryAfter = apierr.Response.Header.Get("Retry-After")
	}
	return classifyHTTP(apierr.StatusCode, retryAfter, apierr.Error())
}

// classifyHTTP maps a response status to an error kind. A 429 whose message
// names the web search tool is the tool's own quota, which only degrades
// the search capability rather than the provider.
func classifyHTTP(status int, retryAfter, msg string) *resilience.ProviderError {
	pe := &resilience.ProviderError{
		Provider:   "anthropic",
		StatusCode: status,
		Err:        eris.Errorf("anthropic: api error (status %d): %s", status, msg),
	}

	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests:
		pe.Kind = resilience.KindRateLimited
		pe.WaitHint = parseRetryAfter(retryAfter)
		if strings.Contains(lower, "web_search") || strings.Contains(lower, "web search") {
			pe.SearchQuota = true
		}
	case status == http.StatusBadRequest && strings.Contains(lower, "credit balance"):
		pe.Kind = resilience.KindQuotaExhausted
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		pe.Kind = resilience.KindFatal
	case status == 529 || status >= 500:
		// 529 is Anthropic's overloaded signal.
		pe.Kind = resilience.KindTransient
	default:
		pe.Kind = resilience.KindFatal
	}
	return pe
}

// parseRetryAfter reads a Retry-After header value, either delta-seconds or
// an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
