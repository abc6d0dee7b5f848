package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/unkn0wn-root/sockterm/internal/codec"
	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
	"github.com/unkn0wn-root/sockterm/internal/logging"
)

const queueDialRetry = 100 * time.Millisecond

type QueueOptions struct {
	Encoding    domain.Encoding
	RequestUUID string
	Timeouts    Timeouts
	Logger      *slog.Logger
}

// QueueClient speaks strict REQ/REP: every Send opens its own socket, sends
// one message, waits for exactly one reply and tears the socket down.
// Nothing is retried.
type QueueClient struct {
	endpoint string
	opts     QueueOptions
	logger   *slog.Logger
	obs      observers
}

func NewQueueClient(endpoint string, opts QueueOptions) *QueueClient {
	opts.Encoding = opts.Encoding.Normalise()
	opts.Timeouts = opts.Timeouts.Normalise()
	return &QueueClient{
		endpoint: QueueEndpoint(endpoint),
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
	}
}

func (c *QueueClient) Endpoint() string {
	return c.endpoint
}

func (c *QueueClient) OnMessage(fn Observer) func() {
	return c.obs.add(fn)
}

// Close is a no-op: sockets never outlive a Send.
func (c *QueueClient) Close() error {
	return nil
}

// Send transmits payload as-is (callers encode first) and returns the reply
// in the client's encoding.
func (c *QueueClient) Send(ctx context.Context, payload []byte) (*domain.Response, error) {
	start := time.Now()
	raw, err := c.roundTrip(ctx, payload)
	if err != nil {
		c.logger.Warn("queue dispatch failed",
			"endpoint", c.endpoint,
			"kind", string(errdef.KindOf(err)),
			"elapsed", time.Since(start),
			"err", err)
		return nil, err
	}
	c.logger.Debug("queue reply received",
		"endpoint", c.endpoint,
		"bytes", len(raw),
		"elapsed", time.Since(start))

	resp := &domain.Response{
		RequestUUID: c.opts.RequestUUID,
		Body:        codec.DecodeResponse(raw, c.opts.Encoding),
		Encoding:    c.opts.Encoding,
		Binary:      c.opts.Encoding == domain.EncodingBase64,
		ReceivedAt:  time.Now(),
	}
	c.obs.notify(*resp)
	return resp, nil
}

func (c *QueueClient) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	tm := c.opts.Timeouts

	// cancelling sockCtx is what unblocks a pending Recv after a timeout
	sockCtx, cancel := context.WithCancel(ctx)

	retries := int(tm.Connect/queueDialRetry) - 2
	if retries < 0 {
		retries = 0
	}
	sock := zmq4.NewReq(
		sockCtx,
		zmq4.WithDialerTimeout(tm.Connect),
		zmq4.WithDialerRetry(queueDialRetry),
		zmq4.WithDialerMaxRetries(retries),
	)
	defer func() {
		cancel()
		_ = sock.Close()
	}()

	if _, err := within(ctx, tm.Connect, func() (struct{}, error) {
		return struct{}{}, sock.Dial(c.endpoint)
	}); err != nil {
		return nil, classifyQueueErr(err, errdef.KindConnectTimeout, "connect to %s", c.endpoint)
	}

	if _, err := within(ctx, tm.Send, func() (struct{}, error) {
		return struct{}{}, sock.Send(zmq4.NewMsg(payload))
	}); err != nil {
		return nil, classifyQueueErr(err, errdef.KindSendTimeout, "send to %s", c.endpoint)
	}

	msg, err := within(ctx, tm.Receive, func() (zmq4.Msg, error) {
		return sock.Recv()
	})
	if err != nil {
		return nil, classifyQueueErr(err, errdef.KindReceiveTimeout, "receive from %s", c.endpoint)
	}
	if len(msg.Frames) == 0 {
		return []byte{}, nil
	}
	return append([]byte(nil), msg.Frames[0]...), nil
}

var errStepTimeout = errors.New("step timed out")

// within runs fn on its own goroutine and stops waiting after limit.
// An abandoned fn is released when the socket is closed.
func within[T any](ctx context.Context, limit time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val: val, err: err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	var zero T
	select {
	case res := <-done:
		return res.val, res.err
	case <-timer.C:
		return zero, errStepTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func classifyQueueErr(err error, timeoutKind errdef.Kind, format string, args ...any) error {
	switch {
	case errors.Is(err, errStepTimeout):
		return errdef.NewKind(errdef.CodeTransport, timeoutKind, format+": timed out", args...)
	case isNetTimeout(err):
		return errdef.WrapKind(errdef.CodeTransport, timeoutKind, err, format, args...)
	case errors.Is(err, syscall.ECONNREFUSED):
		return errdef.WrapKind(errdef.CodeTransport, errdef.KindRefused, err, format, args...)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errdef.Wrap(errdef.CodeTransport, err, format, args...)
	case timeoutKind == errdef.KindConnectTimeout:
		// dial errors other than refusal (unreachable host, bad address) end the connect phase too
		return errdef.WrapKind(errdef.CodeTransport, errdef.KindRefused, err, format, args...)
	case timeoutKind == errdef.KindSendTimeout:
		return errdef.WrapKind(errdef.CodeTransport, errdef.KindSendFailed, err, format, args...)
	default:
		return errdef.Wrap(errdef.CodeTransport, err, format, args...)
	}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// QueueExchange is the full queue round trip for one request: encode the
// payload, send, receive, and re-encode the reply.
func QueueExchange(
	ctx context.Context,
	endpoint string,
	payload string,
	enc domain.Encoding,
	timeouts Timeouts,
	logger *slog.Logger,
) (domain.Response, error) {
	wire, err := codec.EncodePayload(payload, enc)
	if err != nil {
		return domain.Response{}, err
	}
	client := NewQueueClient(endpoint, QueueOptions{
		Encoding: enc,
		Timeouts: timeouts,
		Logger:   logger,
	})
	resp, err := client.Send(ctx, wire)
	if err != nil {
		return domain.Response{}, err
	}
	return *resp, nil
}
