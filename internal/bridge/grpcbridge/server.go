package grpcbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/unkn0wn-root/sockterm/internal/bridge"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
	"github.com/unkn0wn-root/sockterm/internal/logging"
)

// Exchanger is the part of bridge.Host the server needs.
type Exchanger interface {
	Exchange(ctx context.Context, ch bridge.Channel, args json.RawMessage) bridge.Reply
}

type Server struct {
	ex     Exchanger
	grpc   *grpc.Server
	logger *slog.Logger
}

func NewServer(ex Exchanger, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}, opts...)
	s := &Server{
		ex:     ex,
		grpc:   grpc.NewServer(opts...),
		logger: logging.OrDiscard(logger),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("bridge agent listening", "addr", ln.Addr().String())
	err := s.grpc.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Call answers NoHandler and bridge timeouts with gRPC status codes; every
// other failure travels in-band so its code and kind reach the caller.
func (s *Server) Call(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	reply := s.ex.Exchange(ctx, bridge.Channel(req.Channel), req.Args)
	if reply.Err != nil {
		switch errdef.KindOf(reply.Err) {
		case errdef.KindNoHandler:
			return nil, status.Error(codes.NotFound, reply.Err.Error())
		case errdef.KindBridgeTimeout:
			return nil, status.Error(codes.DeadlineExceeded, reply.Err.Error())
		}
		return &CallResponse{ID: firstNonEmpty(req.ID, reply.ID), Error: bridge.ToWire(reply.Err)}, nil
	}
	return &CallResponse{ID: firstNonEmpty(req.ID, reply.ID), Result: reply.Result}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
