package ingest

import (
	rand "math/rand/v2"
	"time"
)

const defaultRetryBase = 50 * time.Millisecond

// retrySchedule yields subscribe retry delays. Each step grows the ceiling
// by the multiplier and draws uniformly from [base, ceiling], clamped to max.
type retrySchedule struct {
	base    time.Duration
	max     time.Duration
	factor  float64
	ceiling time.Duration
	rng     *rand.Rand
}

func newRetrySchedule(cfg Config) *retrySchedule {
	s := &retrySchedule{
		base:   cfg.RetryBase,
		max:    cfg.RetryCap,
		factor: cfg.RetryMultiplier,
	}
	if s.base <= 0 {
		s.base = defaultRetryBase
	}
	if s.factor < 1 {
		s.factor = 1
	}
	if cfg.RetrySeed != 0 {
		seed := uint64(cfg.RetrySeed)              //nolint:gosec // seed bits only
		s.rng = rand.New(rand.NewPCG(seed, ^seed)) //nolint:gosec // non-crypto jitter
	}

	return s
}

// next returns the delay before the following attempt.
func (s *retrySchedule) next() time.Duration {
	if s.max > 0 && s.max <= s.base {
		return s.max
	}

	if s.ceiling == 0 {
		s.ceiling = s.base
		return s.base
	}

	s.ceiling = time.Duration(float64(s.ceiling) * s.factor)
	if s.max > 0 && s.ceiling > s.max {
		s.ceiling = s.max
	}

	d := s.base
	if span := int64(s.ceiling - s.base); span > 0 {
		d += time.Duration(s.int64n(span + 1))
	}

	return d
}

func (s *retrySchedule) int64n(n int64) int64 {
	if s.rng != nil {
		return s.rng.Int64N(n)
	}

	return rand.Int64N(n) //nolint:gosec // non-crypto jitter
}
