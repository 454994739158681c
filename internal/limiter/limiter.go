// Package limiter applies a token-bucket rate limit to the Flight gRPC
// surface. Reduction runs are expensive; the limiter keeps a misbehaving
// client from queueing unbounded work.
package limiter

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/atlasbio/morpho/internal/metrics"
)

// Config holds rate limiter configuration. RPS <= 0 disables limiting;
// Burst <= 0 defaults to RPS.
type Config struct {
	RPS   int `envconfig:"RATE_LIMIT_RPS" default:"0"`
	Burst int `envconfig:"RATE_LIMIT_BURST" default:"0"`
}

// RateLimiter wraps the token bucket limiter.
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

// New creates a rate limiter from config.
func New(cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
	}
}

// Enabled reports whether the limiter is active.
func (l *RateLimiter) Enabled() bool { return l.enabled }

func (l *RateLimiter) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return status.FromContextError(err).Err()
		}
		metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	return nil
}

// UnaryInterceptor returns a gRPC unary interceptor.
func (l *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !l.enabled {
			return handler(ctx, req)
		}
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor. Flight carries all
// data-plane traffic over streams, so this is the one that matters.
func (l *RateLimiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !l.enabled {
			return handler(srv, ss)
		}
		if err := l.wait(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
