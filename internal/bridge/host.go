package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/sockterm/internal/errdef"
	"github.com/unkn0wn-root/sockterm/internal/logging"
	"github.com/unkn0wn-root/sockterm/internal/telemetry"
)

const defaultInbox = 64

type HostOptions struct {
	// Inbox bounds the number of calls waiting to be picked up.
	Inbox        int
	Timeout      time.Duration
	Logger       *slog.Logger
	Instrumenter telemetry.Instrumenter
}

type envelope struct {
	id      string
	channel Channel
	args    json.RawMessage
	ctx     context.Context
	reply   chan Reply
}

// Host is the privileged side of the bridge. Serve takes envelopes off the
// inbox and runs each handler on its own goroutine, so one slow queue
// exchange never holds up an evaluation.
type Host struct {
	reg     *Registry
	inbox   chan envelope
	timeout time.Duration
	logger  *slog.Logger
	inst    telemetry.Instrumenter

	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewHost(reg *Registry, opts HostOptions) *Host {
	if reg == nil {
		reg = NewRegistry()
	}
	reg.seal()
	if opts.Inbox <= 0 {
		opts.Inbox = defaultInbox
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Host{
		reg:     reg,
		inbox:   make(chan envelope, opts.Inbox),
		timeout: opts.Timeout,
		logger:  logging.OrDiscard(opts.Logger),
		inst:    telemetry.OrNoop(opts.Instrumenter),
		stopped: make(chan struct{}),
	}
}

func (h *Host) Timeout() time.Duration {
	return h.timeout
}

func (h *Host) Registry() *Registry {
	return h.reg
}

// Serve runs until ctx ends, then waits for in-flight handlers. Calls made
// after that fail immediately.
func (h *Host) Serve(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.stopped) })
	h.logger.Debug("bridge host serving", "channels", h.reg.Channels())
	for {
		select {
		case <-ctx.Done():
			h.wg.Wait()
			return nil
		case env := <-h.inbox:
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.serve(env)
			}()
		}
	}
}

// Start runs Serve in the background and returns a stop function that
// blocks until the loop has drained.
func (h *Host) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Serve(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (h *Host) serve(env envelope) {
	ctx, cancel := context.WithTimeout(env.ctx, h.timeout)
	defer cancel()

	ctx, span := h.inst.Start(ctx, telemetry.SpanStart{
		Operation: telemetry.OpBridge,
		Channel:   string(env.channel),
	})
	start := time.Now()
	result, err := h.reg.invoke(ctx, env.channel, env.args)
	if err != nil && errdef.KindOf(err) == errdef.KindNone && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = errdef.WrapKind(errdef.CodeBridge, errdef.KindBridgeTimeout, err, "channel %q", env.channel)
	}
	span.End(telemetry.SpanResult{Err: err, Bytes: len(result)})

	if err != nil {
		h.logger.Warn("bridge call failed",
			"id", env.id,
			"channel", env.channel,
			"kind", string(errdef.KindOf(err)),
			"elapsed", time.Since(start),
			"err", err)
	} else {
		h.logger.Debug("bridge call served",
			"id", env.id,
			"channel", env.channel,
			"elapsed", time.Since(start))
	}
	env.reply <- Reply{ID: env.id, Channel: env.channel, Result: result, Err: err}
}

// Exchange is the raw round trip used by Call, Post and remote front ends.
// It never blocks past the bridge timeout.
func (h *Host) Exchange(ctx context.Context, ch Channel, args json.RawMessage) Reply {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	env := envelope{
		id:      id,
		channel: ch,
		args:    args,
		ctx:     ctx,
		reply:   make(chan Reply, 1),
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case h.inbox <- env:
	case <-h.stopped:
		return Reply{ID: id, Channel: ch, Err: errdef.New(errdef.CodeBridge, "bridge host stopped")}
	case <-timer.C:
		return Reply{ID: id, Channel: ch, Err: timeoutErr(ch, h.timeout)}
	case <-ctx.Done():
		return Reply{ID: id, Channel: ch, Err: ctxErr(ch, ctx.Err())}
	}

	select {
	case reply := <-env.reply:
		return reply
	case <-h.stopped:
		// handlers finish before stopped closes, so a reply may already be waiting
		select {
		case reply := <-env.reply:
			return reply
		default:
		}
		return Reply{ID: id, Channel: ch, Err: errdef.New(errdef.CodeBridge, "bridge host stopped")}
	case <-timer.C:
		return Reply{ID: id, Channel: ch, Err: timeoutErr(ch, h.timeout)}
	case <-ctx.Done():
		return Reply{ID: id, Channel: ch, Err: ctxErr(ch, ctx.Err())}
	}
}

func (h *Host) Call(ctx context.Context, ch Channel, args any, out any) error {
	raw, err := marshalArgs(ch, args)
	if err != nil {
		return err
	}
	return h.Exchange(ctx, ch, raw).Decode(out)
}

func (h *Host) Post(ctx context.Context, ch Channel, args any, callback func(Reply)) {
	raw, err := marshalArgs(ch, args)
	go func() {
		if err != nil {
			deliver(callback, Reply{Channel: ch, Err: err})
			return
		}
		deliver(callback, h.Exchange(ctx, ch, raw))
	}()
}

func deliver(callback func(Reply), reply Reply) {
	if callback != nil {
		callback(reply)
	}
}
