// Package retry provides exponential backoff retry logic shared by the
// hardware recovery loop and connection-level transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = just run once)
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add randomness to prevent thundering herd
}

// DefaultConfig returns sensible defaults for retry operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// HardwareRecovery returns the bounded policy used when a hardware source
// enters its failed state: a handful of attempts with growing spacing, capped
// so an unplugged device is not hammered forever.
func HardwareRecovery() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
}

// Backoff is a stateful delay sequence for callers that schedule their own
// retries instead of blocking in Do (the source recovery loop re-arms a timer
// between attempts rather than parking a goroutine in this package).
type Backoff struct {
	cfg     Config
	attempt int
	delay   time.Duration
}

// NewBackoff creates a Backoff for the given config.
func NewBackoff(cfg Config) *Backoff {
	cfg.applyDefaults()
	return &Backoff{cfg: cfg, delay: cfg.InitialDelay}
}

// Next returns the delay before the next attempt and whether an attempt
// remains. Once the attempt budget is exhausted it returns (0, false) until
// Reset is called.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}
	b.attempt++

	d := b.delay
	if b.cfg.AddJitter && d > 0 {
		randMu.Lock()
		d += time.Duration(randSource.Int63n(int64(d/4) + 1))
		randMu.Unlock()
	}

	next := float64(b.delay) * b.cfg.Multiplier
	if next > float64(b.cfg.MaxDelay) {
		b.delay = b.cfg.MaxDelay
	} else {
		b.delay = time.Duration(next)
	}
	return d, true
}

// Attempt returns how many attempts have been consumed.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restores the full attempt budget and the initial delay. This is the
// manual escape hatch after the budget has been exhausted.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.delay = b.cfg.InitialDelay
}

// Do executes fn with exponential backoff retry.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg.applyDefaults()
	if cfg.MaxDelay < cfg.InitialDelay {
		return errors.New("retry: MaxDelay must be >= InitialDelay")
	}

	var lastErr error
	b := NewBackoff(cfg)
	b.cfg.AddJitter = cfg.AddJitter

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep, _ := b.Next()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
