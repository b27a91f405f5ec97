package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/dispatchmesh/cache"
	"github.com/hupe1980/dispatchmesh/core"
)

// ErrRaceTimeout is returned when neither provider completed within the race
// wall-clock budget.
var ErrRaceTimeout = errors.New("race timed out")

// RaceOptions configure the redundant-provider race mode.
type RaceOptions struct {
	// MinQualityLength is the minimum response payload length for a result
	// to win the race outright. Shorter winners wait for the other provider.
	MinQualityLength int
	// Timeout is the hard wall-clock budget for the whole race.
	Timeout time.Duration
}

type raceOutcome struct {
	resp     core.Response
	err      error
	provider string
	latency  time.Duration
}

// DispatchRace executes one item against two redundant providers
// concurrently and returns the first quality-passing result, canceling the
// other call. A winner below the quality threshold is held back: the second
// provider is awaited within the remaining budget and preferred if it passes
// the same check; otherwise the short winning response is used. When neither
// provider completes in time the item fails with a timeout result.
//
// Cancellation is cooperative: the losing call is told to stop via context
// but its in-flight network request may still complete and be discarded.
func (e *Engine) DispatchRace(ctx context.Context, req core.Request, primary, secondary core.Collaborator, optFns ...func(o *RaceOptions)) Result {
	opts := RaceOptions{
		MinQualityLength: 50,
		Timeout:          30 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	fp := cache.Fingerprint(req)
	if value, ok := e.cache.Get(fp); ok {
		e.record(req, value, true, false)
		return Result{Value: value, Cached: true}
	}

	raceCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	outcomes := make(chan raceOutcome, 2)
	e.startProvider(raceCtx, req, primary, "primary", outcomes)
	e.startProvider(raceCtx, req, secondary, "secondary", outcomes)

	var short *raceOutcome
	for received := 0; received < 2; received++ {
		select {
		case <-raceCtx.Done():
			if short != nil {
				return e.finishRace(req, fp, *short, 2)
			}
			return Result{Err: fmt.Errorf("%w after %s", ErrRaceTimeout, opts.Timeout), Attempts: received}
		case out := <-outcomes:
			if out.err != nil {
				e.logger.Warn("race provider failed", "provider", out.provider, "error", out.err)
				continue
			}
			if len(out.resp.Value) >= opts.MinQualityLength {
				cancel() // losing call is discarded
				return e.finishRace(req, fp, out, received+1)
			}
			// Quality-gated: hold the short winner and await the other
			// provider within the remaining budget. Keep the first arrival
			// as the fallback when both come up short.
			if short == nil {
				o := out
				short = &o
			}
			e.logger.Debug("race winner below quality threshold, awaiting second provider",
				"provider", out.provider, "length", len(out.resp.Value))
		}
	}

	if short != nil {
		return e.finishRace(req, fp, *short, 2)
	}
	if raceCtx.Err() != nil {
		// Provider errors caused by the race deadline itself are a timeout,
		// not a provider failure.
		return Result{Err: fmt.Errorf("%w after %s", ErrRaceTimeout, opts.Timeout), Attempts: 2}
	}
	return Result{Err: fmt.Errorf("%w: both providers failed", ErrRetryBudget), Attempts: 2}
}

// startProvider launches one provider call with its own pool credential.
func (e *Engine) startProvider(ctx context.Context, req core.Request, collab core.Collaborator, name string, out chan<- raceOutcome) {
	task := func() {
		cred, err := e.acquire(ctx, nil)
		if err != nil {
			out <- raceOutcome{err: fmt.Errorf("%s: %w", name, err), provider: name}
			return
		}

		start := time.Now()
		resp, err := collab.Call(ctx, cred.Secret(), req)
		latency := time.Since(start)

		if err != nil {
			e.pool.ReportError(cred)
			e.remoteErrs.Add(1)
			out <- raceOutcome{err: fmt.Errorf("%s: %w", name, err), provider: name}
			return
		}

		e.pool.ReportSuccess(cred, latency)
		e.remoteOK.Add(1)
		out <- raceOutcome{resp: resp, provider: name, latency: latency}
	}
	if err := e.workers.Submit(task); err != nil {
		go task()
	}
}

// finishRace writes the chosen response through the cache and records it.
func (e *Engine) finishRace(req core.Request, fp string, out raceOutcome, attempts int) Result {
	e.cache.Set(fp, out.resp.Value, req.Query)
	e.record(req, out.resp.Value, false, false)
	e.logger.Debug("race settled", "provider", out.provider, "latency", out.latency)
	return Result{Value: out.resp.Value, Attempts: attempts}
}
