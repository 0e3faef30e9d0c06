package interceptor

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Limiter is a token bucket refilled at rps tokens per second with a burst
// of rps.
type Limiter struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64
	last   time.Time
	now    func() time.Time
}

// NewLimiter returns a limiter allowing rps requests per second. rps <= 0
// disables limiting.
func NewLimiter(rps int) *Limiter {
	return newLimiter(rps, time.Now)
}

func newLimiter(rps int, now func() time.Time) *Limiter {
	return &Limiter{
		tokens: float64(rps),
		burst:  float64(rps),
		rate:   float64(rps),
		last:   now(),
		now:    now,
	}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens = min(l.burst, l.tokens+now.Sub(l.last).Seconds()*l.rate)
	l.last = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

var errRateLimited = status.Error(codes.ResourceExhausted, "rate limit exceeded")

// RateLimitUnary rejects calls once l is exhausted.
func RateLimitUnary(l *Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !l.Allow() {
			return nil, errRateLimited
		}
		return handler(ctx, req)
	}
}

// RateLimitStream rejects new streams once l is exhausted. It shares the
// bucket with RateLimitUnary when given the same Limiter.
func RateLimitStream(l *Limiter) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !l.Allow() {
			return errRateLimited
		}
		return handler(srv, ss)
	}
}
