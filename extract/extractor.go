/*
extractor.go - Scope extraction with pacing, backoff and a worker pool

PURPOSE:
  Drives Source.FetchPage for each scope, writing pages through the
  ArtifactStore. A shared token bucket (golang.org/x/time/rate) paces
  upstream requests across all workers; transient failures back off
  exponentially with jitter and escalate after a cap of consecutive
  failures so the ledger can record the scope as failed.
*/
package extract

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/grantsync/etl-engine/etl"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	Workers             int           // concurrent scopes
	RequestsPerSecond   float64       // token bucket refill rate
	Burst               int           // token bucket size
	MaxConsecutiveFails int           // per-scope cap before escalating
	BackoffBase         time.Duration // first backoff before jitter
	BackoffCap          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:             4,
		RequestsPerSecond:   5,
		Burst:               5,
		MaxConsecutiveFails: 5,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          30 * time.Second,
	}
}

// =============================================================================
// EXTRACTOR
// =============================================================================

type Extractor struct {
	source    Source
	artifacts *ArtifactStore
	limiter   *rate.Limiter
	config    Config
}

func New(source Source, artifacts *ArtifactStore, config Config) *Extractor {
	if config.Workers <= 0 {
		config = DefaultConfig()
	}
	return &Extractor{
		source:    source,
		artifacts: artifacts,
		limiter:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		config:    config,
	}
}

// Result summarizes one scope's extraction.
type Result struct {
	Scope   etl.Scope
	Pages   int
	Records int
	Resumed bool
}

// ExtractScope pulls every remaining page for one scope. Already-written
// pages (per the manifest) are never re-requested; a scope the manifest
// marks complete is a no-op.
func (e *Extractor) ExtractScope(ctx context.Context, scope etl.Scope) (Result, error) {
	progress := e.artifacts.Progress(scope)
	if progress.Complete {
		log.Printf("[Extract] %s already complete (%d pages), skipping", scope, progress.Pages)
		return Result{Scope: scope, Pages: progress.Pages, Resumed: true}, nil
	}

	result := Result{Scope: scope, Pages: progress.Pages, Resumed: progress.Pages > 0}
	cursor := progress.Cursor
	page := progress.Pages
	consecutiveFails := 0

	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return result, err
		}

		fetched, err := e.source.FetchPage(ctx, scope, cursor)
		if err != nil {
			if !etl.IsRetryable(err) || errors.Is(err, context.Canceled) {
				return result, err
			}
			consecutiveFails++
			if consecutiveFails >= e.config.MaxConsecutiveFails {
				return result, &etl.TransientUpstreamError{Scope: scope, Cause: err}
			}
			delay := e.backoff(consecutiveFails)
			log.Printf("[Extract] %s transient failure (%d/%d), backing off %v: %v",
				scope, consecutiveFails, e.config.MaxConsecutiveFails, delay, err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
		consecutiveFails = 0

		if len(fetched.Records) > 0 {
			if err := e.artifacts.WritePage(scope, page, fetched.Cursor, fetched.Records); err != nil {
				return result, err
			}
			result.Pages = page + 1
			result.Records += len(fetched.Records)
			page++
		}

		if !fetched.More {
			break
		}
		cursor = fetched.Cursor
	}

	if err := e.artifacts.MarkComplete(scope); err != nil {
		return result, err
	}
	log.Printf("[Extract] %s done: %d pages, %d new records", scope, result.Pages, result.Records)
	return result, nil
}

// ExtractAll runs independent scopes concurrently, bounded by the worker
// limit. The first error cancels remaining work; completed pages stay on
// disk for the next attempt.
func (e *Extractor) ExtractAll(ctx context.Context, scopes []etl.Scope) ([]Result, error) {
	results := make([]Result, len(scopes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)

	for i, scope := range scopes {
		i, scope := i, scope
		g.Go(func() error {
			result, err := e.ExtractScope(ctx, scope)
			results[i] = result
			return err
		})
	}
	return results, g.Wait()
}

func (e *Extractor) backoff(attempt int) time.Duration {
	delay := e.config.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.config.BackoffCap {
			delay = e.config.BackoffCap
			break
		}
	}
	return time.Duration(rand.Int63n(int64(delay) + 1))
}
