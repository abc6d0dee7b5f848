package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/unkn0wn-root/sockterm/internal/codec"
	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
	"github.com/unkn0wn-root/sockterm/internal/logging"
	"github.com/unkn0wn-root/sockterm/internal/stream"
)

type StreamOptions struct {
	Encoding    domain.Encoding
	RequestUUID string
	Timeouts    Timeouts
	Logger      *slog.Logger
	// HTTPClient overrides the handshake client (custom TLS roots, proxies).
	HTTPClient      *http.Client
	MaxMessageBytes int64
	Session         stream.Config
}

// StreamClient wraps one persistent websocket connection. Send returns as
// soon as the frame is written; inbound frames reach observers
// asynchronously, zero or more per send. Observers run on the read loop, so
// a slow observer holds back reading rather than losing frames. Session
// listeners only see the transcript and may drop under their own policy.
type StreamClient struct {
	url    string
	opts   StreamOptions
	logger *slog.Logger
	obs    observers

	mu      sync.Mutex
	conn    *websocket.Conn
	session *stream.Session

	pulse     chan struct{}
	delivered chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

func NewStreamClient(
	protocol domain.Protocol,
	endpoint string,
	opts StreamOptions,
) (*StreamClient, error) {
	u, err := StreamURL(protocol, endpoint)
	if err != nil {
		return nil, err
	}
	opts.Encoding = opts.Encoding.Normalise()
	opts.Timeouts = opts.Timeouts.Normalise()
	return &StreamClient{
		url:       u,
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger),
		pulse:     make(chan struct{}, 1),
		delivered: make(chan struct{}),
	}, nil
}

func (c *StreamClient) URL() string {
	return c.url
}

// Open dials the connection. The handshake is bounded by the connect
// timeout; the session afterwards lives until Close or until ctx ends.
func (c *StreamClient) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return errdef.NewKind(errdef.CodeTransport, errdef.KindOpenFailed, "stream %s already opened", c.url)
	}

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, c.opts.Timeouts.Connect)
	defer handshakeCancel()

	dialOpts := &websocket.DialOptions{HTTPClient: c.opts.HTTPClient}
	conn, _, err := websocket.Dial(handshakeCtx, c.url, dialOpts)
	if err != nil {
		return errdef.WrapKind(errdef.CodeTransport, errdef.KindOpenFailed, err, "open %s", c.url)
	}
	if c.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(c.opts.MaxMessageBytes)
	}

	// handshake timeout must not bound the live connection
	session := stream.NewSession(ctx, c.opts.Session)
	session.MarkOpen()
	c.conn = conn
	c.session = session

	go c.readLoop(conn, session)
	if c.opts.Timeouts.Idle > 0 {
		go c.idleWatch(session, c.opts.Timeouts.Idle)
	}
	c.logger.Debug("stream opened", "url", c.url, "session", session.ID())
	return nil
}

func (c *StreamClient) active() (*websocket.Conn, *stream.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, nil, errdef.NewKind(errdef.CodeTransport, errdef.KindSendFailed, "stream %s is not open", c.url)
	}
	if err := c.session.Context().Err(); err != nil {
		if sessErr := c.session.Err(); sessErr != nil {
			return nil, nil, errdef.WrapKind(errdef.CodeTransport, errdef.KindSendFailed, sessErr, "stream closed")
		}
		return nil, nil, errdef.NewKind(errdef.CodeTransport, errdef.KindSendFailed, "stream %s is closed", c.url)
	}
	return c.conn, c.session, nil
}

// Send writes one frame: text for utf8 requests, binary otherwise. It does
// not wait for a reply and always returns a nil Response.
func (c *StreamClient) Send(ctx context.Context, payload []byte) (*domain.Response, error) {
	conn, session, err := c.active()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = session.Context()
	}

	msgType := websocket.MessageText
	if c.opts.Encoding == domain.EncodingBase64 {
		msgType = websocket.MessageBinary
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Send)
	defer cancel()
	if err := conn.Write(writeCtx, msgType, payload); err != nil {
		return nil, errdef.WrapKind(errdef.CodeTransport, errdef.KindSendFailed, err, "send to %s", c.url)
	}
	c.touch()

	session.Publish(&stream.Event{
		Direction: stream.DirSend,
		Timestamp: time.Now(),
		Payload:   append([]byte(nil), payload...),
		Binary:    msgType == websocket.MessageBinary,
	})
	return nil, nil
}

func (c *StreamClient) OnMessage(fn Observer) func() {
	return c.obs.add(fn)
}

// Session exposes the event log for callers that render the transcript.
func (c *StreamClient) Session() *stream.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Done is closed once the connection has ended and every received frame has
// been handed to observers.
func (c *StreamClient) Done() <-chan struct{} {
	return c.delivered
}

func (c *StreamClient) Close() error {
	c.mu.Lock()
	conn, session := c.conn, c.session
	c.mu.Unlock()
	if session == nil {
		c.doneOnce.Do(func() { close(c.delivered) })
		return nil
	}

	var closeErr error
	c.closeOnce.Do(func() {
		session.MarkClosing()
		err := conn.Close(websocket.StatusNormalClosure, "sockterm closed")
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
			var ce websocket.CloseError
			if !errors.As(err, &ce) {
				closeErr = errdef.Wrap(errdef.CodeTransport, err, "close %s", c.url)
			}
		}
		session.Publish(&stream.Event{
			Direction: stream.DirSend,
			Timestamp: time.Now(),
			Code:      int(websocket.StatusNormalClosure),
			Reason:    "sockterm closed",
		})
		session.Close(nil)
	})
	return closeErr
}

func (c *StreamClient) readLoop(conn *websocket.Conn, session *stream.Session) {
	defer c.doneOnce.Do(func() { close(c.delivered) })
	ctx := session.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				session.Publish(&stream.Event{
					Direction: stream.DirReceive,
					Timestamp: time.Now(),
					Code:      int(ce.Code),
					Reason:    ce.Reason,
				})
				session.Close(nil)
				return
			}
			if ctx.Err() != nil {
				session.Close(nil)
			} else {
				session.Close(errdef.Wrap(errdef.CodeTransport, err, "read %s", c.url))
			}
			c.logger.Debug("stream read loop ended", "url", c.url, "err", err)
			return
		}
		c.touch()

		evt := &stream.Event{
			Direction: stream.DirReceive,
			Timestamp: time.Now(),
			Payload:   append([]byte(nil), data...),
			Binary:    msgType == websocket.MessageBinary,
		}
		session.Publish(evt)
		c.obs.notify(domain.Response{
			RequestUUID: c.opts.RequestUUID,
			Body:        codec.DecodeResponse(evt.Payload, c.opts.Encoding),
			Encoding:    c.opts.Encoding,
			Binary:      evt.Binary,
			ReceivedAt:  evt.Timestamp,
		})
	}
}

func (c *StreamClient) idleWatch(session *stream.Session, limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	for {
		select {
		case <-session.Context().Done():
			return
		case <-timer.C:
			c.logger.Debug("stream idle timeout", "url", c.url, "limit", limit)
			_ = c.Close()
			return
		case <-c.pulse:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(limit)
		}
	}
}

func (c *StreamClient) touch() {
	select {
	case c.pulse <- struct{}{}:
	default:
	}
}
