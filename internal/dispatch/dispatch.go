// Package dispatch turns Request records into transport traffic. Queue
// requests always go through the bridge; stream requests are served
// locally, either on a session shared by every send from the same request
// or on a short-lived connection for one-shot exchanges.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/bridge"
	"github.com/unkn0wn-root/sockterm/internal/codec"
	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
	"github.com/unkn0wn-root/sockterm/internal/logging"
	"github.com/unkn0wn-root/sockterm/internal/scripts"
	"github.com/unkn0wn-root/sockterm/internal/telemetry"
	"github.com/unkn0wn-root/sockterm/internal/transport"
)

const DefaultStreamReply = 10 * time.Second

// Handler receives responses for an interactive dispatch: once for queue
// requests, once per inbound frame for stream requests.
type Handler func(domain.Response)

type Options struct {
	Caller   bridge.Caller
	Timeouts transport.Timeouts
	// StreamReply bounds the wait for the first frame in Exchange.
	StreamReply  time.Duration
	HTTPClient   *http.Client
	Instrumenter telemetry.Instrumenter
	Logger       *slog.Logger
}

type Dispatcher struct {
	caller      bridge.Caller
	timeouts    transport.Timeouts
	streamReply time.Duration
	httpClient  *http.Client
	inst        telemetry.Instrumenter
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	client    *transport.StreamClient
	protocol  domain.Protocol
	endpoint  string
	encoding  domain.Encoding
	unobserve func()
}

func (s *session) matches(req domain.Request) bool {
	return s.protocol == req.Protocol &&
		s.endpoint == req.Endpoint &&
		s.encoding == req.Encoding.Normalise()
}

func (s *session) closed() bool {
	select {
	case <-s.client.Done():
		return true
	default:
		return false
	}
}

func New(opts Options) *Dispatcher {
	if opts.StreamReply <= 0 {
		opts.StreamReply = DefaultStreamReply
	}
	return &Dispatcher{
		caller:      opts.Caller,
		timeouts:    opts.Timeouts.Normalise(),
		streamReply: opts.StreamReply,
		httpClient:  opts.HTTPClient,
		inst:        telemetry.OrNoop(opts.Instrumenter),
		logger:      logging.OrDiscard(opts.Logger),
		sessions:    make(map[string]*session),
	}
}

// Dispatch sends req once. Queue requests block until the single reply
// arrives and return it. Stream requests return nil once the frame is
// written; handler then sees every frame the session receives until the
// next Dispatch on the same session replaces it.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.Request, handler Handler) (*domain.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, errdef.Wrap(errdef.CodeTransport, err, "dispatch")
	}
	if !req.Protocol.IsStream() {
		resp, err := d.callQueue(ctx, req)
		if err != nil {
			return nil, err
		}
		if handler != nil {
			handler(resp)
		}
		return &resp, nil
	}

	wire, err := codec.EncodePayload(req.Payload, req.Encoding)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(ctx, req)
	if err != nil {
		return nil, err
	}
	if handler != nil {
		d.mu.Lock()
		if sess.unobserve != nil {
			sess.unobserve()
		}
		sess.unobserve = sess.client.OnMessage(transport.Observer(handler))
		d.mu.Unlock()
	}

	ctx, span := d.inst.Start(ctx, telemetry.StartFor(telemetry.OpDispatch, req))
	_, err = sess.client.Send(ctx, wire)
	span.End(telemetry.SpanResult{Err: err})
	if err != nil {
		d.logger.Warn("stream send failed", "request", req.Label(), "err", err)
		return nil, err
	}
	d.logger.Debug("stream frame sent", "request", req.Label(), "bytes", len(wire))
	return nil, nil
}

// DispatchAsync is Dispatch for callers that must not block. callback
// runs once for a queue request and once per frame for a stream request;
// a failure is reported through it with a zero Response.
func (d *Dispatcher) DispatchAsync(ctx context.Context, req domain.Request, callback func(domain.Response, error)) {
	if callback == nil {
		callback = func(domain.Response, error) {}
	}
	if err := req.Validate(); err != nil {
		go callback(domain.Response{}, errdef.Wrap(errdef.CodeTransport, err, "dispatch"))
		return
	}
	if !req.Protocol.IsStream() {
		if d.caller == nil {
			go callback(domain.Response{}, noBridge())
			return
		}
		d.caller.Post(ctx, bridge.ChannelDispatchQueue, d.queueArgs(req), func(r bridge.Reply) {
			var reply bridge.QueueReply
			if err := r.Decode(&reply); err != nil {
				callback(domain.Response{}, err)
				return
			}
			callback(toResponse(req, reply), nil)
		})
		return
	}
	go func() {
		_, err := d.Dispatch(ctx, req, func(resp domain.Response) { callback(resp, nil) })
		if err != nil {
			callback(domain.Response{}, err)
		}
	}()
}

// Exchange is a one-shot request/response. Stream requests get their own
// connection, which is closed after the first frame or the reply timeout.
func (d *Dispatcher) Exchange(ctx context.Context, req domain.Request) (domain.Response, error) {
	if err := req.Validate(); err != nil {
		return domain.Response{}, errdef.Wrap(errdef.CodeTransport, err, "dispatch")
	}
	if !req.Protocol.IsStream() {
		return d.callQueue(ctx, req)
	}

	ctx, span := d.inst.Start(ctx, telemetry.StartFor(telemetry.OpDispatch, req))
	resp, err := d.streamExchange(ctx, req)
	span.End(telemetry.SpanResult{Err: err, Bytes: len(resp.Body)})
	return resp, err
}

func (d *Dispatcher) streamExchange(ctx context.Context, req domain.Request) (domain.Response, error) {
	wire, err := codec.EncodePayload(req.Payload, req.Encoding)
	if err != nil {
		return domain.Response{}, err
	}
	client, err := transport.NewStreamClient(req.Protocol, req.Endpoint, d.streamOptions(req))
	if err != nil {
		return domain.Response{}, err
	}
	if err := client.Open(ctx); err != nil {
		return domain.Response{}, err
	}
	defer func() { _ = client.Close() }()

	return transport.SendAndAwait(ctx, client, wire, d.streamReply)
}

// Evaluate runs req's test script against resp through the bridge. ok is
// false when the request has no script: nothing was evaluated.
func (d *Dispatcher) Evaluate(ctx context.Context, req domain.Request, resp domain.Response) (domain.TestResult, bool) {
	if !req.HasTest() {
		return domain.TestResult{}, false
	}
	if d.caller == nil {
		return failed(req, domain.StageEvaluate, noBridge()), true
	}

	var out scripts.Outcome
	err := d.caller.Call(ctx, bridge.ChannelEvaluateScript, bridge.EvaluateArgs{
		Script:   req.TestScript,
		Response: resp.Text(),
	}, &out)
	if err != nil {
		return failed(req, domain.StageEvaluate, err), true
	}
	return domain.TestResult{
		RequestUUID: req.UUID,
		RequestName: req.Label(),
		IsSuccess:   out.IsSuccess,
		Reason:      out.Reason,
		ReturnValue: out.ReturnValue,
		Stage:       domain.StageEvaluate,
		CompletedAt: time.Now(),
	}, true
}

// Test is one full cycle: exchange, then evaluate. Requests without a
// script are not dispatched at all and yield ok=false.
func (d *Dispatcher) Test(ctx context.Context, req domain.Request) (domain.TestResult, bool) {
	if !req.HasTest() {
		return domain.TestResult{}, false
	}
	resp, err := d.Exchange(ctx, req)
	if err != nil {
		d.logger.Debug("test dispatch failed", "request", req.Label(), "err", err)
		return failed(req, domain.StageDispatch, err), true
	}
	return d.Evaluate(ctx, req, resp)
}

// CloseSession ends the shared stream session for key, if any.
func (d *Dispatcher) CloseSession(key string) error {
	d.mu.Lock()
	sess, ok := d.sessions[key]
	delete(d.sessions, key)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.client.Close()
}

func (d *Dispatcher) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.sessions))
	for key := range d.sessions {
		keys = append(keys, key)
	}
	return keys
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]*session)
	d.mu.Unlock()

	var firstErr error
	for _, sess := range sessions {
		if err := sess.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// session returns the open session for req, replacing one that has ended
// or now points somewhere else. The dial happens outside d.mu; when two
// dispatches race for the same key the first one installed wins.
func (d *Dispatcher) session(ctx context.Context, req domain.Request) (*session, error) {
	key := req.SessionKey()

	d.mu.Lock()
	sess, stale := d.live(key, req)
	d.mu.Unlock()
	if stale != nil {
		_ = stale.client.Close()
	}
	if sess != nil {
		return sess, nil
	}

	client, err := transport.NewStreamClient(req.Protocol, req.Endpoint, d.streamOptions(req))
	if err != nil {
		return nil, err
	}
	// the session outlives this dispatch
	if err := client.Open(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	fresh := &session{
		client:   client,
		protocol: req.Protocol,
		endpoint: req.Endpoint,
		encoding: req.Encoding.Normalise(),
	}

	d.mu.Lock()
	winner, stale := d.live(key, req)
	if winner == nil {
		d.sessions[key] = fresh
	}
	d.mu.Unlock()
	if stale != nil {
		_ = stale.client.Close()
	}
	if winner != nil {
		_ = client.Close()
		return winner, nil
	}
	d.logger.Debug("stream session opened", "request", req.Label(), "url", client.URL())
	return fresh, nil
}

// live looks up a usable session for key. A session that no longer fits
// req is removed and returned as stale for the caller to close. d.mu must
// be held.
func (d *Dispatcher) live(key string, req domain.Request) (sess, stale *session) {
	cur, ok := d.sessions[key]
	if !ok {
		return nil, nil
	}
	if cur.matches(req) && !cur.closed() {
		return cur, nil
	}
	delete(d.sessions, key)
	return nil, cur
}

func (d *Dispatcher) streamOptions(req domain.Request) transport.StreamOptions {
	return transport.StreamOptions{
		Encoding:    req.Encoding,
		RequestUUID: req.UUID,
		Timeouts:    d.timeouts,
		Logger:      d.logger,
		HTTPClient:  d.httpClient,
	}
}

func (d *Dispatcher) queueArgs(req domain.Request) bridge.QueueArgs {
	return bridge.QueueArgs{
		Endpoint:       req.Endpoint,
		Payload:        req.Payload,
		Encoding:       req.Encoding.Normalise(),
		RequestUUID:    req.UUID,
		ConnectTimeout: d.timeouts.Connect,
		SendTimeout:    d.timeouts.Send,
		ReceiveTimeout: d.timeouts.Receive,
	}
}

func (d *Dispatcher) callQueue(ctx context.Context, req domain.Request) (domain.Response, error) {
	if d.caller == nil {
		return domain.Response{}, noBridge()
	}
	var reply bridge.QueueReply
	if err := d.caller.Call(ctx, bridge.ChannelDispatchQueue, d.queueArgs(req), &reply); err != nil {
		return domain.Response{}, err
	}
	return toResponse(req, reply), nil
}

func toResponse(req domain.Request, reply bridge.QueueReply) domain.Response {
	enc := reply.Encoding
	if enc == "" {
		enc = req.Encoding.Normalise()
	}
	return domain.Response{
		RequestUUID: req.UUID,
		Body:        reply.Body,
		Encoding:    enc,
		Binary:      reply.Binary,
		ReceivedAt:  time.Now(),
	}
}

func failed(req domain.Request, stage domain.Stage, err error) domain.TestResult {
	return domain.TestResult{
		RequestUUID: req.UUID,
		RequestName: req.Label(),
		IsSuccess:   false,
		Reason:      err.Error(),
		Stage:       stage,
		CompletedAt: time.Now(),
	}
}

func noBridge() error {
	return errdef.NewKind(errdef.CodeBridge, errdef.KindNoHandler, "no bridge configured")
}
