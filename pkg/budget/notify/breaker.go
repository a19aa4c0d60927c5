package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-channel circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	// Default: 1
	MaxRequests uint32

	// Interval is the closed-state window after which counts reset.
	// Default: 1 minute
	Interval time.Duration

	// Timeout is how long the breaker stays open.
	// Default: 30 seconds
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker.
	// Default: 5
	ConsecutiveFailures uint32
}

// breakerChannel isolates a failing channel: once it trips, sends fail fast
// until the breaker half-opens.
type breakerChannel struct {
	Channel
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps a channel in a circuit breaker.
func WithBreaker(ch Channel, cfg BreakerConfig, logger *slog.Logger) Channel {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        ch.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notification channel breaker state changed",
				"channel", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &breakerChannel{Channel: ch, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Send implements Channel.
func (b *breakerChannel) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Channel.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("channel %s unavailable: %w", b.Name(), err)
	}
	return err
}
