// Package host wires the socket-owning side of the bridge: the queue
// exchange and the script sandbox, each behind its bridge channel.
package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/bridge"
	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/logging"
	"github.com/unkn0wn-root/sockterm/internal/scripts"
	"github.com/unkn0wn-root/sockterm/internal/telemetry"
	"github.com/unkn0wn-root/sockterm/internal/transport"
)

type Options struct {
	Timeouts     transport.Timeouts
	Evaluator    *scripts.Evaluator
	Logger       *slog.Logger
	Instrumenter telemetry.Instrumenter
}

type handlers struct {
	timeouts transport.Timeouts
	eval     *scripts.Evaluator
	logger   *slog.Logger
	inst     telemetry.Instrumenter
}

// Registry returns a registry holding both channels. Callers hand it to
// bridge.NewHost, which seals it.
func Registry(opts Options) *bridge.Registry {
	h := &handlers{
		timeouts: opts.Timeouts.Normalise(),
		eval:     opts.Evaluator,
		logger:   logging.OrDiscard(opts.Logger),
		inst:     telemetry.OrNoop(opts.Instrumenter),
	}
	if h.eval == nil {
		h.eval = scripts.NewEvaluator(scripts.Options{})
	}

	reg := bridge.NewRegistry()
	reg.Handle(bridge.ChannelDispatchQueue, bridge.Typed(h.dispatchQueue))
	reg.Handle(bridge.ChannelEvaluateScript, bridge.Typed(h.evaluate))
	return reg
}

// New builds a Host over Registry(opts).
func New(opts Options, hostOpts bridge.HostOptions) *bridge.Host {
	if hostOpts.Logger == nil {
		hostOpts.Logger = opts.Logger
	}
	if hostOpts.Instrumenter == nil {
		hostOpts.Instrumenter = opts.Instrumenter
	}
	return bridge.NewHost(Registry(opts), hostOpts)
}

func (h *handlers) dispatchQueue(ctx context.Context, args bridge.QueueArgs) (bridge.QueueReply, error) {
	tm := h.timeouts
	if args.ConnectTimeout > 0 {
		tm.Connect = args.ConnectTimeout
	}
	if args.SendTimeout > 0 {
		tm.Send = args.SendTimeout
	}
	if args.ReceiveTimeout > 0 {
		tm.Receive = args.ReceiveTimeout
	}

	ctx, span := h.inst.Start(ctx, telemetry.SpanStart{
		Operation:   telemetry.OpDispatch,
		RequestUUID: args.RequestUUID,
		Protocol:    domain.ProtocolQueue,
		Endpoint:    args.Endpoint,
	})
	resp, err := transport.QueueExchange(ctx, args.Endpoint, args.Payload, args.Encoding, tm, h.logger)
	span.End(telemetry.SpanResult{Err: err, Bytes: len(resp.Body)})
	if err != nil {
		return bridge.QueueReply{}, err
	}
	return bridge.QueueReply{
		Body:     resp.Body,
		Encoding: resp.Encoding,
		Binary:   resp.Binary,
	}, nil
}

func (h *handlers) evaluate(ctx context.Context, args bridge.EvaluateArgs) (scripts.Outcome, error) {
	ctx, span := h.inst.Start(ctx, telemetry.SpanStart{Operation: telemetry.OpEvaluate})
	start := time.Now()
	out := h.eval.Evaluate(ctx, args.Script, args.Response)
	span.End(telemetry.SpanResult{Err: out.Err(), Evaluated: true, Passed: out.IsSuccess})

	h.logger.Debug("script evaluated",
		"success", out.IsSuccess,
		"failure", string(out.Failure),
		"elapsed", time.Since(start))
	return out, nil
}
