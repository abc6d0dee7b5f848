// Package runner executes a set of requests as a batch of independent
// dispatch+evaluate cycles.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/logging"
)

const DefaultConcurrency = 8

// Tester runs one cycle for one request. ok is false when the request has
// no script and therefore no result.
type Tester interface {
	Test(ctx context.Context, req domain.Request) (domain.TestResult, bool)
}

type Options struct {
	// Concurrency caps in-flight stream requests.
	Concurrency int
	Logger      *slog.Logger
}

type Runner struct {
	tester      Tester
	concurrency int
	logger      *slog.Logger
}

func New(tester Tester, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Runner{
		tester:      tester,
		concurrency: opts.Concurrency,
		logger:      logging.OrDiscard(opts.Logger),
	}
}

// Selected returns the requests a batch will run, in input order.
func Selected(reqs []domain.Request) []domain.Request {
	out := make([]domain.Request, 0, len(reqs))
	for _, req := range reqs {
		if req.HasTest() {
			out = append(out, req)
		}
	}
	return out
}

// Completed pairs a result with the request that produced it. Drafts share
// an empty uuid, so the uuid alone cannot lead back to the request.
type Completed struct {
	Request domain.Request
	Result  domain.TestResult
}

// Run starts the batch and returns its results as they complete. The
// channel is closed after the last one; each call dispatches everything
// again.
//
// Queue requests run one after another in input order. Stream requests run
// concurrently and land in completion order. A failure only affects the
// result of the request it belongs to.
func (r *Runner) Run(ctx context.Context, reqs []domain.Request) <-chan domain.TestResult {
	completed := r.Stream(ctx, reqs)
	out := make(chan domain.TestResult, cap(completed))
	go func() {
		defer close(out)
		for c := range completed {
			out <- c.Result
		}
	}()
	return out
}

// Stream is Run with each result carrying its source request.
func (r *Runner) Stream(ctx context.Context, reqs []domain.Request) <-chan Completed {
	if ctx == nil {
		ctx = context.Background()
	}
	selected := Selected(reqs)
	out := make(chan Completed, len(selected))

	var queue, streams []domain.Request
	for _, req := range selected {
		if req.Protocol.IsStream() {
			streams = append(streams, req)
		} else {
			queue = append(queue, req)
		}
	}
	r.logger.Debug("batch starting",
		"requests", len(reqs),
		"selected", len(selected),
		"queue", len(queue),
		"stream", len(streams))

	go func() {
		defer close(out)
		start := time.Now()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, req := range queue {
				r.emit(ctx, req, out)
			}
		}()

		var g errgroup.Group
		g.SetLimit(r.concurrency)
		for _, req := range streams {
			req := req
			g.Go(func() error {
				r.emit(ctx, req, out)
				return nil
			})
		}
		_ = g.Wait()
		wg.Wait()
		r.logger.Debug("batch finished", "selected", len(selected), "elapsed", time.Since(start))
	}()
	return out
}

func (r *Runner) emit(ctx context.Context, req domain.Request, out chan<- Completed) {
	res, ok := r.runOne(ctx, req)
	if !ok {
		return
	}
	if res.IsSuccess {
		r.logger.Debug("request passed", "request", req.Label())
	} else {
		r.logger.Info("request failed", "request", req.Label(), "stage", res.Stage, "reason", res.Reason)
	}
	out <- Completed{Request: req, Result: res}
}

func (r *Runner) runOne(ctx context.Context, req domain.Request) (res domain.TestResult, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			res = domain.TestResult{
				RequestUUID: req.UUID,
				RequestName: req.Label(),
				Reason:      fmt.Sprintf("test cycle panicked: %v", rec),
				Stage:       domain.StageDispatch,
				CompletedAt: time.Now(),
			}
			ok = true
		}
	}()
	return r.tester.Test(ctx, req)
}

// Collect runs the batch in the background and returns the outcome that
// fills up as results land.
func (r *Runner) Collect(ctx context.Context, reqs []domain.Request) *Outcome {
	outcome := NewOutcome(len(Selected(reqs)))
	results := r.Run(ctx, reqs)
	go func() {
		defer outcome.finish()
		for res := range results {
			outcome.add(res)
		}
	}()
	return outcome
}
