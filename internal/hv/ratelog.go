package hv

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedLogger logs through the default slog logger no more than burst
// messages per window. It is used for messages a guest can trigger at will.
type RateLimitedLogger struct {
	limit *rate.Limiter
}

func NewRateLimitedLogger(window time.Duration, burst int) *RateLimitedLogger {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedLogger{
		limit: rate.NewLimiter(rate.Every(window/time.Duration(burst)), burst),
	}
}

func (l *RateLimitedLogger) Debug(msg string, args ...any) {
	if l.limit.Allow() {
		slog.Debug(msg, args...)
	}
}

func (l *RateLimitedLogger) Info(msg string, args ...any) {
	if l.limit.Allow() {
		slog.Info(msg, args...)
	}
}

func (l *RateLimitedLogger) Warn(msg string, args ...any) {
	if l.limit.Allow() {
		slog.Warn(msg, args...)
	}
}
