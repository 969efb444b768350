package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"projectbot-core/internal/domain/entity"
	"projectbot-core/internal/domain/repository"
)

// RetryPolicy bounds the work spent on a single provider.
type RetryPolicy struct {
	MaxAttempts      int
	Backoff          Backoff
	CallTimeout      time.Duration
	HistoryCharLimit int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		Backoff:          Backoff{Base: time.Second, Max: 20 * time.Second, Jitter: time.Second},
		CallTimeout:      25 * time.Second,
		HistoryCharLimit: 4000,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Backoff.Base <= 0 {
		p.Backoff = d.Backoff
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	if p.HistoryCharLimit <= 0 {
		p.HistoryCharLimit = d.HistoryCharLimit
	}
	return p
}

// ResilientProvider applies the retry policy to one provider at a time.
// It holds no per-request state.
type ResilientProvider struct {
	policy    RetryPolicy
	sleep     Sleeper
	rnd       RandomSource
	log       *zap.Logger
	telemetry *Telemetry
}

func NewResilientProvider(policy RetryPolicy, sleep Sleeper, rnd RandomSource, log *zap.Logger, telemetry *Telemetry) *ResilientProvider {
	if sleep == nil {
		sleep = SleepContext
	}
	if rnd == nil {
		rnd = newRandomSource()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ResilientProvider{
		policy:    policy.withDefaults(),
		sleep:     sleep,
		rnd:       rnd,
		log:       log,
		telemetry: telemetry,
	}
}

// Execute calls p until it succeeds, fails terminally, or runs out of
// attempts. Every retryable failure is followed by one backoff wait, so a
// caller that moves on to another provider has already cooled down.
//
// A context-length failure is retried once, immediately, with the history
// truncated by character count; a second one gives up on this provider.
// Authentication failures return at once. When ctx itself ends, ctx.Err()
// is returned.
func (r *ResilientProvider) Execute(ctx context.Context, p repository.Provider, inv entity.Invocation, log *zap.Logger) (string, error) {
	if log == nil {
		log = r.log
	}
	truncated := false
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		text, err := r.Once(ctx, p, inv, attempt, log)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		switch entity.KindOf(err) {
		case entity.KindAuth:
			return "", err

		case entity.KindContextTooLarge:
			if truncated || len(inv.History) == 0 {
				log.Warn("context still too large, giving up on provider", zap.String("provider", string(p.Name())))
				return "", err
			}
			truncated = true
			inv.History = entity.TruncateHistory(inv.History, r.policy.HistoryCharLimit)
			log.Info("retrying with truncated history",
				zap.String("provider", string(p.Name())),
				zap.Int("turns", len(inv.History)),
			)
			text, err := r.Once(ctx, p, inv, attempt, log)
			if err == nil {
				return text, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			switch entity.KindOf(err) {
			case entity.KindAuth, entity.KindContextTooLarge:
				return "", err
			}
		}

		delay := r.policy.Backoff.Delay(attempt, r.rnd)
		log.Warn("provider attempt failed, backing off",
			zap.String("provider", string(p.Name())),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.String("kind", string(entity.KindOf(lastErr))),
			zap.Duration("delay", delay),
		)
		r.telemetry.sleep()
		if err := r.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", lastErr
}

// Once performs a single bounded call without retrying.
func (r *ResilientProvider) Once(ctx context.Context, p repository.Provider, inv entity.Invocation, attempt int, log *zap.Logger) (string, error) {
	if log == nil {
		log = r.log
	}
	callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
	defer cancel()

	start := time.Now()
	text, err := p.Invoke(callCtx, inv)
	took := time.Since(start)

	if err == nil {
		r.telemetry.attempt(string(p.Name()), "success", took)
		log.Info("provider answered",
			zap.String("provider", string(p.Name())),
			zap.Int("attempt", attempt+1),
			zap.Duration("took", took),
		)
		return text, nil
	}

	// A deadline hit by the per-call timeout is a provider timeout, not a
	// cancellation of the request.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		var pe *entity.ProviderError
		if !errors.As(err, &pe) {
			err = entity.NewProviderError(p.Name(), entity.KindTimeout, 0, err)
		}
	}

	r.telemetry.attempt(string(p.Name()), string(entity.KindOf(err)), took)
	log.Warn("provider failed",
		zap.String("provider", string(p.Name())),
		zap.Int("attempt", attempt+1),
		zap.String("kind", string(entity.KindOf(err))),
		zap.Duration("took", took),
		zap.Error(err),
	)
	return "", err
}
