package handshake

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/srpcnet/srpc/internal/codec"
	"github.com/srpcnet/srpc/internal/logging"
)

// SessionAcceptor is the passive (server) side of a connection: given the
// id and endpoint of the peer that just dialed in, it brings up (or
// reuses) this node's own queue pair for that peer and returns its
// endpoint. internal/dispatcher.Dispatcher implements this.
type SessionAcceptor interface {
	AcceptSession(peerID uint32, remote codec.Endpoint) (codec.Endpoint, error)
}

// Server answers get_endpoint requests over gRPC.
type Server struct {
	acceptor SessionAcceptor
	logger   *logging.Logger
	grpc     *grpc.Server
}

// NewServer constructs a Server bound to acceptor.
func NewServer(acceptor SessionAcceptor, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{acceptor: acceptor, logger: logger.WithComponent("handshake")}
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&serviceDesc, handshakeServer(s))
	return s
}

// Serve accepts connections on lis until it is closed or the server is
// stopped.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// ListenAndServe opens addr and serves on it.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("handshake: listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// GetEndpoint implements handshakeServer.
func (s *Server) GetEndpoint(ctx context.Context, req *getEndpointRequest) (*getEndpointResponse, error) {
	local, err := s.acceptor.AcceptSession(req.RequesterID, req.RequesterEndpoint)
	if err != nil {
		s.logger.Warn("accept_session failed", "peer", req.RequesterID, "error", err)
		return nil, fmt.Errorf("handshake: accept_session: %w", err)
	}
	return &getEndpointResponse{Endpoint: local}, nil
}
