package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/bridge/grpcbridge"
	"github.com/unkn0wn-root/sockterm/internal/collection"
	"github.com/unkn0wn-root/sockterm/internal/dispatch"
	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/history"
	"github.com/unkn0wn-root/sockterm/internal/report"
	"github.com/unkn0wn-root/sockterm/internal/runner"
	"github.com/unkn0wn-root/sockterm/internal/watcher"
)

func (a *app) main(ctx context.Context) int {
	switch {
	case a.opts.agent != "":
		return a.serveAgent(ctx)
	case a.opts.history > 0:
		return a.showHistory(ctx)
	case a.opts.send != "":
		return a.sendOne(ctx)
	case a.opts.watch:
		return a.watchBatch(ctx)
	default:
		return a.runBatch(ctx)
	}
}

func (a *app) serveAgent(ctx context.Context) int {
	h := a.localHost()
	stop := h.Start(ctx)
	defer stop()

	ln, err := net.Listen("tcp", a.opts.agent)
	if err != nil {
		fmt.Fprintf(a.stderr, "agent: %v\n", err)
		return exitUsage
	}
	srv := grpcbridge.NewServer(h, a.logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	fmt.Fprintf(a.stdout, "agent listening on %s\n", ln.Addr())

	select {
	case <-ctx.Done():
		srv.Stop()
		<-errCh
		return exitOK
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(a.stderr, "agent: %v\n", err)
			return exitFailures
		}
		return exitOK
	}
}

func (a *app) showHistory(ctx context.Context) int {
	store, err := history.Open(a.settings.HistoryPath(), a.settings.History.MaxEntries)
	if err != nil {
		fmt.Fprintf(a.stderr, "history: %v\n", err)
		return exitFailures
	}
	defer store.Close()
	entries, err := store.Recent(ctx, a.opts.history)
	if err != nil {
		fmt.Fprintf(a.stderr, "history: %v\n", err)
		return exitFailures
	}
	report.New(a.stdout).History(entries)
	return exitOK
}

func (a *app) sendOne(ctx context.Context) int {
	reqs, err := collection.Load(a.opts.collection)
	if err != nil {
		fmt.Fprintf(a.stderr, "%v\n", err)
		return exitUsage
	}
	req, ok := collection.Find(reqs, a.opts.send)
	if !ok {
		fmt.Fprintf(a.stderr, "no request named %q in %s\n", a.opts.send, a.opts.collection)
		return exitUsage
	}

	caller, release, err := a.caller(ctx)
	if err != nil {
		fmt.Fprintf(a.stderr, "bridge: %v\n", err)
		return exitFailures
	}
	defer release()
	d := a.dispatcher(caller)
	defer d.Close()

	printer := report.New(a.stdout)
	var (
		mu    sync.Mutex
		first *domain.Response
	)
	handler := func(resp domain.Response) {
		mu.Lock()
		defer mu.Unlock()
		printer.Response(resp)
		if first == nil {
			first = &resp
		}
	}

	if _, err := d.Dispatch(ctx, req, handler); err != nil {
		fmt.Fprintf(a.stderr, "send %s: %v\n", req.Label(), err)
		return exitFailures
	}
	if req.Protocol.IsStream() {
		a.listen(ctx)
	}

	mu.Lock()
	resp := first
	mu.Unlock()
	if !req.HasTest() {
		return exitOK
	}
	if resp == nil {
		printer.Result(domain.TestResult{
			RequestUUID: req.UUID,
			RequestName: req.Label(),
			Reason:      errNoFrames.Error(),
			Stage:       domain.StageDispatch,
		})
		return exitFailures
	}
	res, _ := d.Evaluate(ctx, req, *resp)
	printer.Result(res)
	if !res.IsSuccess {
		return exitFailures
	}
	return exitOK
}

// listen keeps the stream session open for -listen or until ctx ends;
// frames keep printing meanwhile.
func (a *app) listen(ctx context.Context) {
	timer := time.NewTimer(a.opts.listen)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (a *app) runBatch(ctx context.Context) int {
	reqs, err := collection.Load(a.opts.collection)
	if err != nil {
		fmt.Fprintf(a.stderr, "%v\n", err)
		return exitUsage
	}
	caller, release, err := a.caller(ctx)
	if err != nil {
		fmt.Fprintf(a.stderr, "bridge: %v\n", err)
		return exitFailures
	}
	defer release()
	d := a.dispatcher(caller)
	defer d.Close()

	store := a.openHistory()
	if store != nil {
		defer store.Close()
	}
	summary := a.batch(ctx, d, store, reqs)
	if summary.Failed > 0 {
		return exitFailures
	}
	return exitOK
}

func (a *app) batch(ctx context.Context, d *dispatch.Dispatcher, store *history.Store, reqs []domain.Request) report.Summary {
	printer := report.New(a.stdout)
	start := time.Now()
	r := runner.New(d, runner.Options{Concurrency: a.settings.Runner.Concurrency, Logger: a.logger})
	var results []domain.TestResult
	for done := range r.Stream(ctx, reqs) {
		res := done.Result
		printer.Result(res)
		results = append(results, res)
		if store == nil {
			continue
		}
		if err := store.Record(ctx, done.Request, res); err != nil {
			a.logger.Warn("history write failed", "request", res.RequestName, "err", err)
		}
	}
	skipped := len(reqs) - len(runner.Selected(reqs))
	summary := report.Tally(results, skipped, time.Since(start))
	printer.Summary(summary)
	return summary
}

func (a *app) watchBatch(ctx context.Context) int {
	w, err := watcher.New(watcher.Options{})
	if err != nil {
		fmt.Fprintf(a.stderr, "watch: %v\n", err)
		return exitFailures
	}
	defer w.Stop()
	if err := w.Track(a.opts.collection); err != nil {
		fmt.Fprintf(a.stderr, "watch: %v\n", err)
		return exitFailures
	}

	caller, release, err := a.caller(ctx)
	if err != nil {
		fmt.Fprintf(a.stderr, "bridge: %v\n", err)
		return exitFailures
	}
	defer release()
	d := a.dispatcher(caller)
	defer d.Close()
	store := a.openHistory()
	if store != nil {
		defer store.Close()
	}

	for {
		reqs, err := collection.Load(a.opts.collection)
		if err != nil {
			fmt.Fprintf(a.stderr, "%v\n", err)
		} else {
			a.batch(ctx, d, store, reqs)
		}
		fmt.Fprintf(a.stdout, "watching %s for changes\n", a.opts.collection)

		if !a.waitChange(ctx, w) {
			return exitOK
		}
	}
}

func (a *app) waitChange(ctx context.Context, w *watcher.Watcher) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-w.Errors():
			a.logger.Warn("watch error", "err", err)
		case evt, ok := <-w.Events():
			if !ok {
				return false
			}
			if evt.Kind == watcher.EventMissing {
				a.logger.Info("collection removed; waiting for it to return", "path", evt.Path)
				continue
			}
			a.logger.Debug("collection changed", "path", evt.Path)
			return true
		}
	}
}

var errNoFrames = errors.New("no frames received")
