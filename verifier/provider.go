// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// APIResponse is the answer of the risk provider for one coin.
type APIResponse struct {
	ShouldBan          bool
	ShouldRemove       bool
	RecommendedBanTime time.Duration
	ProviderName       string
	Details            string
}

// Provider is the external risk verification service.
type Provider interface {
	// SendRequest asks the provider about a coin.  Implementations must
	// honor context cancellation.
	SendRequest(ctx context.Context, coin Coin, coinHeight,
		currentHeight int32) (APIResponse, error)
}

// Sender sends one rate limited verification request per call.
type Sender interface {
	Verify(ctx context.Context, coin Coin, coinHeight,
		currentHeight int32) fn.Result[APIResponse]
}

const (
	// DefaultMaxConcurrentRequests is the default number of provider
	// requests in flight at once.
	DefaultMaxConcurrentRequests = 8

	// DefaultRequestsPerSecond is the default sustained request rate.
	DefaultRequestsPerSecond = 4

	// DefaultMaxAttempts is the default number of attempts per request.
	DefaultMaxAttempts = 3

	// DefaultAttemptTimeout bounds a single attempt.
	DefaultAttemptTimeout = 20 * time.Second

	// DefaultRetryBackoff is the pause between two attempts.
	DefaultRetryBackoff = time.Second
)

// LimiterConfig holds the tunables of a Limiter.  Zero values select the
// defaults.
type LimiterConfig struct {
	MaxConcurrentRequests int64
	RequestsPerSecond     float64
	Burst                 int
	MaxAttempts           int
	AttemptTimeout        time.Duration
	RetryBackoff          time.Duration
}

// Limiter wraps a Provider.  It bounds the number of requests in flight with
// a semaphore, the request rate with a token bucket, and retries failed
// attempts.  Every attempt acquires the semaphore again.
type Limiter struct {
	provider Provider
	cfg      LimiterConfig
	sem      *semaphore.Weighted
	rate     *rate.Limiter
}

// A compile-time assertion that Limiter is a Sender.
var _ Sender = (*Limiter)(nil)

// NewLimiter wraps the provider.
func NewLimiter(provider Provider, cfg LimiterConfig) *Limiter {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}

	return &Limiter{
		provider: provider,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		rate: rate.NewLimiter(
			rate.Limit(cfg.RequestsPerSecond), cfg.Burst,
		),
	}
}

// Verify asks the provider about the coin, retrying failed attempts until
// the attempts run out or the context is done.
func (l *Limiter) Verify(ctx context.Context, coin Coin, coinHeight,
	currentHeight int32) fn.Result[APIResponse] {

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := l.attempt(ctx, coin, coinHeight, currentHeight)
		observeProviderLatency(time.Since(start), err)
		if err == nil {
			return fn.Ok(resp)
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}

		log.Debugf("Verification attempt %d/%d of %v failed: %v",
			attempt, l.cfg.MaxAttempts, coin.OutPoint, err)

		if attempt == l.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(l.cfg.RetryBackoff):
		case <-ctx.Done():
		}
	}

	return fn.Err[APIResponse](fmt.Errorf("verification of %v failed: %w",
		coin.OutPoint, lastErr))
}

// attempt performs a single provider request while holding a semaphore slot.
func (l *Limiter) attempt(ctx context.Context, coin Coin, coinHeight,
	currentHeight int32) (APIResponse, error) {

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return APIResponse{}, err
	}
	defer l.sem.Release(1)

	if err := l.rate.Wait(ctx); err != nil {
		return APIResponse{}, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
	defer cancel()

	return l.provider.SendRequest(attemptCtx, coin, coinHeight,
		currentHeight)
}

// errNoProvider is returned by verifications attempted without a provider.
var errNoProvider = errors.New("no risk provider configured")

// verdict is the outcome of a provider request mapped onto the ban ledger
// and the round.
type verdict struct {
	result   VerifyResult
	reason   Reason
	banTime  time.Duration
	provider string
	details  string
}

// verdictFromResponse maps the outcome of a provider request to a verdict.
// Any failure removes the coin without banning it.
func verdictFromResponse(coin Coin, res fn.Result[APIResponse]) verdict {
	resp, err := res.Unpack()
	if err != nil {
		return verdict{
			result:  failClosed(coin),
			reason:  ReasonProviderFailure,
			details: err.Error(),
		}
	}

	v := verdict{
		result:   VerifyResult{Coin: coin},
		provider: resp.ProviderName,
		details:  resp.Details,
	}
	switch {
	case resp.ShouldBan:
		v.result.ShouldBan = true
		v.result.ShouldRemove = true
		v.reason = ReasonProviderBan
		v.banTime = resp.RecommendedBanTime

	case resp.ShouldRemove:
		v.result.ShouldRemove = true
		v.reason = ReasonProviderRemove

	default:
		v.reason = ReasonProviderClear
	}

	return v
}
