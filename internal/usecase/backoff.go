package usecase

import (
	"context"
	"math/rand/v2"
	"time"
)

// RandomSource is the subset of *rand.Rand used for jitter.
type RandomSource interface {
	Float64() float64
}

// Backoff computes capped exponential delays with additive jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay returns min(Base*2^attempt + U[0,1)*Jitter, Max). attempt is 0-based.
// A nil rnd means no jitter.
func (b Backoff) Delay(attempt int, rnd RandomSource) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := b.Base * time.Duration(int64(1)<<attempt)
	if rnd != nil && b.Jitter > 0 {
		d += time.Duration(rnd.Float64() * float64(b.Jitter))
	}
	if b.Max > 0 && (d > b.Max || d < 0) {
		d = b.Max
	}
	return d
}

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newRandomSource() RandomSource {
	return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
}
