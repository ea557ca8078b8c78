// Package retry re-runs operations that fail transiently, with exponential
// backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gxo-labs/gxo-runner/internal/tracing"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
)

type Operation func(ctx context.Context) error

type Config struct {
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter randomizes each delay by up to this fraction, 0 to 1.
	Jitter float64
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	// Name labels log lines, e.g. the resource being released.
	Name string
}

type Helper struct {
	log              runlog.Logger
	mu               sync.Mutex
	randSource       *rand.Rand
	redactedKeywords map[string]struct{}
}

func NewHelper(log runlog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:              log,
		randSource:       rand.New(rand.NewSource(time.Now().UnixNano())),
		redactedKeywords: make(map[string]struct{}),
	}
}

func (h *Helper) SetRedactedKeywords(keywords map[string]struct{}) {
	h.redactedKeywords = keywords
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. The last error is returned.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	cfg.Jitter = math.Min(math.Max(cfg.Jitter, 0), 1)
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}

	logPrefix := ""
	if cfg.Name != "" {
		logPrefix = cfg.Name + ": "
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("retry cancelled after %d attempts with last error: %w", attempt-1, errors.Join(lastErr, err))
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				h.log.Debugf("%sSucceeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return nil
		}
		if attempt == cfg.Attempts || (cfg.Retryable != nil && !cfg.Retryable(lastErr)) {
			break
		}

		wait := h.delay(cfg, attempt)
		h.log.Debugf("%sAttempt %d/%d failed (retrying in %v): %s",
			logPrefix, attempt, cfg.Attempts, wait.Truncate(time.Millisecond), h.redact(lastErr))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry delay cancelled after attempt %d: %w", attempt, errors.Join(lastErr, ctx.Err()))
		}
	}
	return lastErr
}

func (h *Helper) delay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.Delay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}
	wait := time.Duration(base)
	if cfg.Jitter > 0 {
		h.mu.Lock()
		factor := cfg.Jitter * (h.randSource.Float64()*2.0 - 1.0)
		h.mu.Unlock()
		wait += time.Duration(float64(wait) * factor)
		if wait < 0 {
			wait = 0
		}
	}
	if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
		wait = cfg.MaxDelay
	}
	return wait
}

func (h *Helper) redact(err error) string {
	return tracing.RedactSecretsInString(err.Error(), h.redactedKeywords)
}
