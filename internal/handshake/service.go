package handshake

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName       = "srpc.Handshake"
	methodGetEndpoint = "GetEndpoint"
	fullMethod        = "/" + serviceName + "/" + methodGetEndpoint
	codecSubtype      = "rlp"
)

func init() {
	// Registering under "rlp" lets the handshake service exchange plain
	// Go structs instead of requiring a protoc-generated proto.Message,
	// the same way the codec package already frames Endpoint/Message
	// with RLP rather than a generated wire type.
	encoding.RegisterCodec(rlpCodec{})
}

// handshakeServer is implemented by Server.
type handshakeServer interface {
	GetEndpoint(ctx context.Context, req *getEndpointRequest) (*getEndpointResponse, error)
}

func getEndpointHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(getEndpointRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(handshakeServer).GetEndpoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(handshakeServer).GetEndpoint(ctx, req.(*getEndpointRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-registered equivalent of what protoc-gen-go-grpc
// would otherwise generate from a .proto file.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*handshakeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: methodGetEndpoint,
			Handler:    getEndpointHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/handshake/service.go",
}
