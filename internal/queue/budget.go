// Package queue implements the per-service rate-limited priority dispatch
// queue that serializes and throttles all outbound provider calls.
package queue

import (
	"time"

	"golang.org/x/time/rate"
)

// Budget declares a service's call allowance. Counters live in the queue's
// per-service state and are mutated only by the dispatch loop.
type Budget struct {
	MaxPerMinute  int           `yaml:"max_per_minute" mapstructure:"max_per_minute"`
	MaxPerHour    int           `yaml:"max_per_hour" mapstructure:"max_per_hour"`
	MaxConcurrent int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MinInterval   time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
}

func (b Budget) withDefaults() Budget {
	if b.MaxPerMinute <= 0 {
		b.MaxPerMinute = 30
	}
	if b.MaxPerHour <= 0 {
		b.MaxPerHour = 500
	}
	if b.MaxConcurrent <= 0 {
		b.MaxConcurrent = 2
	}
	return b
}

// serviceState tracks one service's live counters. Never shared across
// services; one saturated service cannot starve another.
type serviceState struct {
	budget      Budget
	pace        *rate.Limiter // min-interval pacing, independent of the concurrency cap
	minuteCount int
	hourCount   int
	active      int
	minuteStart time.Time
	hourStart   time.Time
}

func newServiceState(b Budget, now time.Time) *serviceState {
	b = b.withDefaults()
	s := &serviceState{
		budget:      b,
		minuteStart: now,
		hourStart:   now,
	}
	if b.MinInterval > 0 {
		s.pace = rate.NewLimiter(rate.Every(b.MinInterval), 1)
	}
	return s
}

// rollWindows resets counters whose window has elapsed.
func (s *serviceState) rollWindows(now time.Time) {
	if now.Sub(s.minuteStart) >= time.Minute {
		s.minuteCount = 0
		s.minuteStart = now
	}
	if now.Sub(s.hourStart) >= time.Hour {
		s.hourCount = 0
		s.hourStart = now
	}
}

// ready reports whether the service can accept one more dispatch right now.
func (s *serviceState) ready(now time.Time) bool {
	s.rollWindows(now)
	if s.active >= s.budget.MaxConcurrent {
		return false
	}
	if s.minuteCount >= s.budget.MaxPerMinute {
		return false
	}
	if s.hourCount >= s.budget.MaxPerHour {
		return false
	}
	if s.pace != nil && s.pace.Tokens() < 1 {
		return false
	}
	return true
}

// consume records one dispatch.
func (s *serviceState) consume(now time.Time) {
	s.rollWindows(now)
	s.minuteCount++
	s.hourCount++
	s.active++
	if s.pace != nil {
		s.pace.Allow()
	}
}

// ServiceStats is an observability snapshot for one service.
type ServiceStats struct {
	Queued      int `json:"queued"`
	Active      int `json:"active"`
	MinuteCount int `json:"minute_count"`
	HourCount   int `json:"hour_count"`
}
