// Package echopeer provides the peers sockterm is exercised against during
// development: a ZeroMQ REP socket and a websocket endpoint, both echoing.
package echopeer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/gorilla/websocket"

	"github.com/unkn0wn-root/sockterm/internal/logging"
)

// Reply maps one request to its reply. Returning nil swallows the request,
// which leaves the REP socket waiting forever: useful for timeout testing.
type Reply func(in []byte) []byte

func Echo(in []byte) []byte {
	return append([]byte(nil), in...)
}

func Silent([]byte) []byte {
	return nil
}

type QueuePeer struct {
	sock     zmq4.Socket
	endpoint string
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// ListenQueue binds a REP socket and serves it until ctx ends or Close.
func ListenQueue(ctx context.Context, endpoint string, reply Reply, logger *slog.Logger) (*QueuePeer, error) {
	if reply == nil {
		reply = Echo
	}
	ep := strings.TrimSpace(endpoint)
	if !strings.Contains(ep, "://") {
		ep = "tcp://" + ep
	}

	ctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen(ep); err != nil {
		cancel()
		_ = sock.Close()
		return nil, err
	}
	p := &QueuePeer{
		sock:     sock,
		endpoint: ep,
		logger:   logging.OrDiscard(logger),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.serve(ctx, reply)
	return p, nil
}

func (p *QueuePeer) Endpoint() string {
	return p.endpoint
}

func (p *QueuePeer) serve(ctx context.Context, reply Reply) {
	defer close(p.done)
	for {
		msg, err := p.sock.Recv()
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("queue peer receive failed", "endpoint", p.endpoint, "err", err)
			}
			return
		}
		var in []byte
		if len(msg.Frames) > 0 {
			in = msg.Frames[0]
		}
		out := reply(in)
		if out == nil {
			p.logger.Debug("queue peer swallowed request", "bytes", len(in))
			<-ctx.Done()
			return
		}
		if err := p.sock.Send(zmq4.NewMsg(out)); err != nil {
			p.logger.Warn("queue peer send failed", "endpoint", p.endpoint, "err", err)
			return
		}
		p.logger.Debug("queue peer replied", "bytes", len(out))
	}
}

func (p *QueuePeer) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		err = p.sock.Close()
		<-p.done
	})
	return err
}

type WebSocketOptions struct {
	// Repeat is how many copies of each frame are sent back. Zero means one;
	// a negative value keeps the connection silent.
	Repeat int
	Logger *slog.Logger
}

// WebSocketHandler upgrades every request and echoes frames with their
// original message type.
func WebSocketHandler(opts WebSocketOptions) http.Handler {
	logger := logging.OrDiscard(opts.Logger)
	repeat := opts.Repeat
	if repeat == 0 {
		repeat = 1
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		defer conn.Close()

		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
				) && !errors.Is(err, websocket.ErrCloseSent) {
					logger.Debug("websocket read ended", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
			for i := 0; i < repeat; i++ {
				if err := conn.WriteMessage(typ, data); err != nil {
					logger.Debug("websocket write failed", "remote", r.RemoteAddr, "err", err)
					return
				}
			}
		}
	})
}
