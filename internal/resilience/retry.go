package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Call is one attemptable provider invocation. searchEnabled tells the
// adapter whether to request its search/grounding capability; the executor
// degrades it when the capability-specific quota is hit.
type Call[T any] func(ctx context.Context, searchEnabled bool) (T, error)

// ExecOptions controls one Execute run.
type ExecOptions[T any] struct {
	// Service names the primary provider, for logging.
	Service string

	// MaxAttempts is the total number of attempts against the primary
	// (including the first). Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay for exponential backoff. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 2m.
	MaxBackoff time.Duration

	// HintMargin is the safety margin added to an adapter-supplied wait
	// hint before sleeping. Default: 60s.
	HintMargin time.Duration

	// EnableSearch requests the provider's search/grounding capability on
	// the first attempt. Degraded in place when its quota is hit.
	EnableSearch bool

	// Fallback, when set, is tried once after the first rate-limited
	// failure of the primary, before further primary attempts are spent.
	Fallback Call[T]

	// FallbackService names the fallback provider, for logging.
	FallbackService string
}

func (o ExecOptions[T]) withDefaults() ExecOptions[T] {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Minute
	}
	if o.HintMargin <= 0 {
		o.HintMargin = time.Minute
	}
	return o
}

// Execute runs call under classification-driven retry:
//
//   - fatal → abort immediately
//   - quota exhausted → abort with a distinguishable error (IsQuotaExhausted)
//   - search-capability quota → retry the same attempt with search disabled
//   - rate limited with a wait hint → sleep hint+margin once, fail fast on recurrence
//   - rate limited without a hint, or transient → exponential backoff
//   - data invalid → one transient-style retry, then fatal for this call
//
// After the first rate-limited primary failure the configured fallback is
// tried once before consuming further primary attempts. All waits are
// explicit select-on-context sleeps; there is no hidden global state.
func Execute[T any](ctx context.Context, opts ExecOptions[T], call Call[T]) (T, error) {
	opts = opts.withDefaults()
	log := zap.L().With(zap.String("service", opts.Service))

	var zero T
	var lastErr error

	searchEnabled := opts.EnableSearch
	hintSlept := false
	fallbackTried := false
	dataInvalidRetried := false

	attempt := 0
	for attempt < opts.MaxAttempts {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		val, err := call(ctx, searchEnabled)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, lastErr
		}

		c := Classify(err)
		switch {
		case c.Kind == KindFatal:
			return zero, err

		case c.SearchQuota && searchEnabled:
			// Disabling a capability is cheaper than a provider swap;
			// rerun the same attempt without search.
			log.Warn("search quota hit, degrading to plain completion", zap.Error(err))
			searchEnabled = false
			continue

		case c.Kind == KindQuotaExhausted:
			return zero, err

		case c.Kind == KindDataInvalid:
			if dataInvalidRetried {
				return zero, err
			}
			dataInvalidRetried = true
			attempt++
			if err := sleep(ctx, backoffDelay(attempt-1, opts.InitialBackoff, opts.MaxBackoff)); err != nil {
				return zero, lastErr
			}

		case c.Kind == KindRateLimited:
			if !fallbackTried && opts.Fallback != nil {
				fallbackTried = true
				log.Info("rate limited, trying fallback provider",
					zap.String("fallback", opts.FallbackService))
				if val, fbErr := opts.Fallback(ctx, searchEnabled); fbErr == nil {
					return val, nil
				} else {
					log.Warn("fallback provider failed", zap.Error(fbErr))
				}
			}
			if c.WaitHint > 0 {
				if hintSlept {
					// Hint already honored once; a recurrence means the
					// window estimate is wrong. Fail fast.
					return zero, err
				}
				hintSlept = true
				wait := c.WaitHint + opts.HintMargin
				log.Warn("rate limited with wait hint, sleeping",
					zap.Duration("wait", wait))
				if err := sleep(ctx, wait); err != nil {
					return zero, lastErr
				}
				continue // the hinted sleep does not consume an attempt
			}
			attempt++
			if attempt >= opts.MaxAttempts {
				return zero, lastErr
			}
			if err := sleep(ctx, backoffDelay(attempt-1, opts.InitialBackoff, opts.MaxBackoff)); err != nil {
				return zero, lastErr
			}

		default: // KindTransient
			attempt++
			if attempt >= opts.MaxAttempts {
				return zero, lastErr
			}
			log.Warn("transient provider failure, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
			if err := sleep(ctx, backoffDelay(attempt-1, opts.InitialBackoff, opts.MaxBackoff)); err != nil {
				return zero, lastErr
			}
		}
	}

	return zero, lastErr
}

// backoffDelay computes the exponential backoff for the given retry index
// with ±25% jitter, capped at max.
func backoffDelay(retry int, initial, max time.Duration) time.Duration {
	d := float64(initial) * math.Pow(2, float64(retry))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := (rand.Float64()*2 - 1) * d * 0.25
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
