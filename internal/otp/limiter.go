package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrTooManyAttempts    = errors.New("too many otp attempts")
	ErrLimiterUnavailable = errors.New("otp limiter unavailable")
)

// Limiter counts OTP submissions per role and email in a fixed window.
// A nil *Limiter allows everything.
type Limiter struct {
	redis       redis.UniversalClient
	maxAttempts int
	window      time.Duration
}

func NewLimiter(client redis.UniversalClient, maxAttempts int, window time.Duration) *Limiter {
	return &Limiter{redis: client, maxAttempts: maxAttempts, window: window}
}

// Check records one attempt and fails once the budget is spent.
func (l *Limiter) Check(ctx context.Context, role, email string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	key := attemptKey(role, email)

	// EXPIRE NX on every hit: the window starts at the first attempt and a
	// counter that lost its expiry gets one back.
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	if incr.Val() > int64(l.maxAttempts) {
		return ErrTooManyAttempts
	}
	return nil
}

// Reset clears the counter after a successful verification.
func (l *Limiter) Reset(ctx context.Context, role, email string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, attemptKey(role, email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

func attemptKey(role, email string) string {
	return "otp:attempts:" + role + ":" + email
}
