// Package retry provides jittered exponential backoff for any broker RPC,
// generalized from a single "close a position" operation into a reusable
// wrapper any Order Service or Market Data Poller call can use.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/bracketrun/equityfleet/internal/apperrors"
)

// Config contains retry configuration parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client wraps arbitrary broker calls with retry logic.
type Client struct {
	logger *log.Logger
	config Config
}

// NewClient creates a new retry client with optional config.
func NewClient(logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
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
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Client{logger: logger, config: cfg}
}

// Do invokes op, retrying on transient errors with jittered exponential
// backoff up to MaxRetries, bounded overall by Timeout. label is used only
// for log lines.
func (c *Client) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return fmt.Errorf("%s: timed out after %v: %w", label, c.config.Timeout, opCtx.Err())
		default:
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: canceled: %w", label, ctx.Err())
		}

		c.logger.Printf("%s: attempt %d/%d", label, attempt+1, c.config.MaxRetries+1)
		err := op(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Printf("%s: attempt %d failed: %v", label, attempt+1, err)

		if !c.isTransientError(err) || attempt >= c.config.MaxRetries {
			break
		}
		c.logger.Printf("%s: transient error, retrying in %v", label, backoff)
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s: timed out during backoff: %w", label, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s: canceled during backoff: %w", label, ctx.Err())
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", label, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// isTransientError recognizes the taxonomy's ErrTransientBroker/ErrStore
// sentinels first, then falls back to the teacher's string-matching
// heuristic for errors surfaced by an underlying HTTP client that haven't
// been classified into the taxonomy yet.
func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.Transient(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"i/o timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"temporarily unavailable",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
		"no such host",
		"deadline exceeded",
		"tls handshake",
		"broken pipe",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
