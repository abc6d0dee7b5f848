package grpcbridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/unkn0wn-root/sockterm/internal/bridge"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

// Client is a bridge.Caller backed by a remote agent.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ bridge.Caller = (*Client)(nil)

// Dial connects lazily; the first Call surfaces connection problems.
func Dial(target string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeBridge, err, "dial bridge agent %s", target)
	}
	return NewClient(conn, timeout), nil
}

func NewClient(conn *grpc.ClientConn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = bridge.DefaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) exchange(ctx context.Context, ch bridge.Channel, args any) bridge.Reply {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	req := &CallRequest{ID: id, Channel: string(ch)}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			err = errdef.Wrap(errdef.CodeBridge, err, "encode arguments for %q", ch)
			return bridge.Reply{ID: id, Channel: ch, Err: err}
		}
		req.Args = raw
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := new(CallResponse)
	err := c.conn.Invoke(callCtx, callMethod, req, resp, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return bridge.Reply{ID: id, Channel: ch, Err: fromStatus(ch, err, c.timeout)}
	}
	if resp.Error != nil {
		return bridge.Reply{ID: id, Channel: ch, Err: resp.Error.Err()}
	}
	return bridge.Reply{ID: id, Channel: ch, Result: resp.Result}
}

func (c *Client) Call(ctx context.Context, ch bridge.Channel, args any, out any) error {
	return c.exchange(ctx, ch, args).Decode(out)
}

func (c *Client) Post(ctx context.Context, ch bridge.Channel, args any, callback func(bridge.Reply)) {
	go func() {
		reply := c.exchange(ctx, ch, args)
		if callback != nil {
			callback(reply)
		}
	}()
}

func fromStatus(ch bridge.Channel, err error, limit time.Duration) error {
	st, ok := status.FromError(err)
	if !ok {
		return errdef.Wrap(errdef.CodeBridge, err, "call %q", ch)
	}
	switch st.Code() {
	case codes.NotFound:
		return errdef.NewKind(errdef.CodeBridge, errdef.KindNoHandler, "%s", st.Message())
	case codes.DeadlineExceeded:
		return errdef.NewKind(errdef.CodeBridge, errdef.KindBridgeTimeout, "no reply on %q within %s", ch, limit)
	case codes.Canceled:
		return errdef.Wrap(errdef.CodeBridge, context.Canceled, "call %q", ch)
	default:
		return errdef.New(errdef.CodeBridge, "call %q: %s: %s", ch, st.Code(), st.Message())
	}
}
