package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/unkn0wn-root/sockterm/internal/bridge"
	"github.com/unkn0wn-root/sockterm/internal/bridge/grpcbridge"
	"github.com/unkn0wn-root/sockterm/internal/config"
	"github.com/unkn0wn-root/sockterm/internal/dispatch"
	"github.com/unkn0wn-root/sockterm/internal/history"
	"github.com/unkn0wn-root/sockterm/internal/host"
	"github.com/unkn0wn-root/sockterm/internal/scripts"
	"github.com/unkn0wn-root/sockterm/internal/telemetry"
)

type app struct {
	opts     options
	settings config.Settings
	stdout   io.Writer
	stderr   io.Writer
	logger   *slog.Logger
	inst     telemetry.Instrumenter
}

// localHost builds the in-process bridge host that owns the queue sockets
// and the script evaluator.
func (a *app) localHost() *bridge.Host {
	t := a.settings.Timeouts
	return host.New(
		host.Options{
			Timeouts:     t.Transport(),
			Evaluator:    scripts.NewEvaluator(scripts.Options{Timeout: t.Evaluate.Std()}),
			Logger:       a.logger,
			Instrumenter: a.inst,
		},
		bridge.HostOptions{
			Timeout:      t.Bridge.Std(),
			Logger:       a.logger,
			Instrumenter: a.inst,
		},
	)
}

// caller returns the bridge to use: the agent named by -bridge, or a local
// host started on ctx. release tears it down.
func (a *app) caller(ctx context.Context) (bridge.Caller, func(), error) {
	if a.opts.bridgeAddr != "" {
		client, err := grpcbridge.Dial(a.opts.bridgeAddr, a.settings.Timeouts.Bridge.Std())
		if err != nil {
			return nil, nil, err
		}
		a.logger.Debug("using remote bridge", "addr", a.opts.bridgeAddr)
		return client, func() { _ = client.Close() }, nil
	}
	h := a.localHost()
	stop := h.Start(ctx)
	return h, stop, nil
}

func (a *app) dispatcher(caller bridge.Caller) *dispatch.Dispatcher {
	t := a.settings.Timeouts
	return dispatch.New(dispatch.Options{
		Caller:       caller,
		Timeouts:     t.Transport(),
		StreamReply:  t.StreamReply.Std(),
		Instrumenter: a.inst,
		Logger:       a.logger,
	})
}

// openHistory returns nil when recording is off or the database cannot be
// opened; results are still printed.
func (a *app) openHistory() *history.Store {
	if a.opts.noHistory {
		return nil
	}
	store, err := history.Open(a.settings.HistoryPath(), a.settings.History.MaxEntries)
	if err != nil {
		a.logger.Warn("history disabled", "err", err)
		return nil
	}
	return store
}
