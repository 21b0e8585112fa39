// Package pageloop provides the pagination/retry/cancellation
// plumbing shared by every discovery adapter, so adapters only
// implement "fetch one page" and "turn a page into nodes/edges".
package pageloop

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/nimbusgraph/graphcore/internal/retry"
)

// DefaultMaxPages caps runaway pagination against a misbehaving or
// malicious API, per the discovery contract's safety maximum.
const DefaultMaxPages = 100

// Config tunes one adapter's page loop. Zero values fall back to
// sane defaults in Run.
type Config struct {
	MaxPages    int
	RetryConfig retry.Config
	RateLimit   rate.Limit // pages per second; 0 disables throttling
	RateBurst   int
}

// FetchPage retrieves one page given the previous page's cursor (""
// for the first page) and returns the next cursor ("" when exhausted).
type FetchPage[T any] func(ctx context.Context, cursor string) (page T, nextCursor string, err error)

// Run drives FetchPage across all pages, retrying transient errors
// per page and stopping at MaxPages, context cancellation, or cursor
// exhaustion. handlePage is called once per successfully fetched
// page, in order.
func Run[T any](ctx context.Context, cfg Config, fetch FetchPage[T], handlePage func(T) error) error {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	retryCfg := cfg.RetryConfig
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, max(cfg.RateBurst, 1))
	}

	cursor := ""
	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		var result T
		var nextCursor string
		err := retry.Do(ctx, retryCfg, retry.Retryable, func(ctx context.Context) error {
			var fetchErr error
			result, nextCursor, fetchErr = fetch(ctx, cursor)
			return fetchErr
		})
		if err != nil {
			return fmt.Errorf("pageloop: fetch page %d: %w", page, err)
		}

		if err := handlePage(result); err != nil {
			return fmt.Errorf("pageloop: handle page %d: %w", page, err)
		}

		if nextCursor == "" {
			return nil
		}
		cursor = nextCursor
	}
	return fmt.Errorf("pageloop: exceeded safety cap of %d pages", maxPages)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
