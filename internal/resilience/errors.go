// Package resilience provides the error taxonomy, quota-aware retry executor
// and circuit breakers that guard every outbound provider call.
package resilience

import (
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// ErrorKind classifies a provider failure for retry decisions.
type ErrorKind int

const (
	// KindFatal covers bad input and auth failures. Never retried.
	KindFatal ErrorKind = iota
	// KindTransient covers 5xx and network failures. Retried with backoff.
	KindTransient
	// KindRateLimited covers soft, time-bounded limits (429). Retried with
	// backoff or an adapter-supplied wait hint.
	KindRateLimited
	// KindQuotaExhausted covers hard daily/resource caps. The current
	// provider is abandoned; the pipeline may fall back to another.
	KindQuotaExhausted
	// KindDataInvalid covers unparseable responses. Retried once as
	// transient, then treated as fatal for that call.
	KindDataInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindDataInvalid:
		return "data_invalid"
	default:
		return "unknown"
	}
}

// ProviderError is the typed classification boundary each provider adapter
// implements once. The executor and dispatch queue only ever inspect this
// type; they never parse free-text provider messages.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	// WaitHint is an optional adapter-parsed wait duration for rate limits.
	// Not all providers expose one; zero means "no hint".
	WaitHint time.Duration
	// SearchQuota marks a quota that applies only to the provider's
	// search/grounding capability, not to plain completions.
	SearchQuota bool
	Err         error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classification is the executor-facing view of an error.
type Classification struct {
	Kind        ErrorKind
	WaitHint    time.Duration
	SearchQuota bool
}

// Classify resolves an error to its retry classification. Typed
// ProviderErrors anywhere in the chain win; otherwise network-level
// transience heuristics apply and everything else is fatal.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindFatal}
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return Classification{Kind: pe.Kind, WaitHint: pe.WaitHint, SearchQuota: pe.SearchQuota}
	}

	if isNetworkTransient(err) {
		return Classification{Kind: KindTransient}
	}
	return Classification{Kind: KindFatal}
}

// IsQuotaExhausted reports whether err is a hard-cap failure, so callers can
// switch providers instead of retrying.
func IsQuotaExhausted(err error) bool {
	return Classify(err).Kind == KindQuotaExhausted
}

// Retryable reports whether the dispatch queue should re-admit the request.
// Only rate and quota conditions qualify: transient failures are retried by
// the executor within a single dispatch, so re-admitting them here would
// multiply the two attempt caps.
func Retryable(err error) bool {
	switch Classify(err).Kind {
	case KindRateLimited, KindQuotaExhausted:
		return true
	default:
		return false
	}
}

func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var waitHintPattern = regexp.MustCompile(`(\d+h)?(\d+m)?(\d+(\.\d+)?s)|(\d+h)?(\d+m)|(\d+h)`)

// ParseWaitHint extracts a Go-style duration token (e.g. "31m23s") from a
// provider error message. This is adapter-supplied sugar, not a universal
// contract: providers without a parsable hint simply return ok=false.
func ParseWaitHint(msg string) (time.Duration, bool) {
	m := waitHintPattern.FindString(msg)
	if m == "" {
		return 0, false
	}
	d, err := time.ParseDuration(m)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
