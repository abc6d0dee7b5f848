// Package grpcbridge exposes a bridge Host over gRPC so the socket-owning
// side can run as its own process. Messages are JSON; there is no protobuf
// schema to keep in sync.
package grpcbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"

	"github.com/unkn0wn-root/sockterm/internal/bridge"
)

const (
	serviceName = "sockterm.bridge.v1.Bridge"
	callMethod  = "/" + serviceName + "/Call"
)

type CallRequest struct {
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type CallResponse struct {
	ID     string            `json:"id,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *bridge.WireError `json:"error,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcbridge: decode %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return "json"
}

// BridgeServer is the service implemented by Server.
type BridgeServer interface {
	Call(ctx context.Context, req *CallRequest) (*CallResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sockterm/bridge/v1",
}

func callHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(CallRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Call(ctx, req.(*CallRequest))
	}
	return interceptor(ctx, in, info, handler)
}
