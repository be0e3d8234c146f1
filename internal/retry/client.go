// Package retry runs operations with jittered exponential backoff. The feed
// uses it to reconnect and the liquidate command to place exits.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
)

// Config controls the retry loop.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Unlimited when Forever is set.
	MaxRetries     int
	Forever        bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds the whole operation including backoff. Zero means no
	// bound beyond the caller's context.
	Timeout time.Duration
}

// DefaultConfig is used when NewClient gets no config.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries transient failures.
type Client struct {
	logger logrus.FieldLogger
	config Config
}

// NewClient creates a retry client. Invalid values fall back to DefaultConfig.
func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}

	return &Client{logger: logger, config: cfg}
}

// Do runs fn until it succeeds, returns a non-transient error, or the retry
// budget, timeout or ctx runs out.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	log := c.logger.WithField("op", op)
	backoff := c.config.InitialBackoff
	var lastErr error

	for attempt := 0; c.config.Forever || attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s canceled after %d attempts: %w", op, attempt, errors.Join(err, lastErr))
			}
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.WithField("attempt", attempt+1).Info("Succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			log.WithError(err).Warn("Permanent error, not retrying")
			return err
		}
		if !c.config.Forever && attempt >= c.config.MaxRetries {
			break
		}

		log.WithError(err).WithFields(logrus.Fields{"attempt": attempt + 1, "backoff": backoff}).
			Warn("Transient error, retrying")
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
			backoff = c.nextBackoff(backoff)
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s canceled during backoff: %w", op, errors.Join(ctx.Err(), lastErr))
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Debug("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so IsTransient reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"temporary failure",
	"server error",
	"rate limit",
	"429", // HTTP 429 Too Many Requests
	"502", // HTTP 502 Bad Gateway
	"503", // HTTP 503 Service Unavailable
	"504", // HTTP 504 Gateway Timeout
	"network",
	"dns",
	"tcp",
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
