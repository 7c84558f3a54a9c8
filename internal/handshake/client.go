package handshake

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/srpcnet/srpc/internal/codec"
	"github.com/srpcnet/srpc/internal/constants"
	"github.com/srpcnet/srpc/internal/logging"
)

// Client dials peers to run the get_endpoint side-channel RPC. It
// implements internal/dispatcher.Handshaker.
type Client struct {
	localID uint32
	logger  *logging.Logger
}

// NewClient constructs a Client that identifies itself as localID in
// every get_endpoint request it sends.
func NewClient(localID uint32, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{localID: localID, logger: logger.WithComponent("handshake")}
}

// Exchange dials peerAddr and exchanges local for the peer's endpoint,
// retrying on a fixed backoff until it succeeds or ctx is done. With no
// deadline on ctx this retries indefinitely, mirroring how the rest of
// this tree leaves retry bounds to the caller's context rather than a
// built-in attempt limit.
func (c *Client) Exchange(ctx context.Context, peerAddr string, local codec.Endpoint) (codec.Endpoint, error) {
	for {
		ep, err := c.tryExchange(ctx, peerAddr, local)
		if err == nil {
			return ep, nil
		}
		c.logger.Warn("get_endpoint attempt failed, retrying", "peer_addr", peerAddr, "error", err)

		select {
		case <-ctx.Done():
			return codec.Endpoint{}, fmt.Errorf("handshake: exchange with %s: %w", peerAddr, ctx.Err())
		case <-time.After(constants.HandshakeRetryInterval):
		}
	}
}

func (c *Client) tryExchange(ctx context.Context, peerAddr string, local codec.Endpoint) (codec.Endpoint, error) {
	conn, err := grpc.NewClient(peerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return codec.Endpoint{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	req := &getEndpointRequest{RequesterID: c.localID, RequesterEndpoint: local}
	resp := new(getEndpointResponse)
	err = conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(codecSubtype))
	if err != nil {
		return codec.Endpoint{}, fmt.Errorf("get_endpoint: %w", err)
	}
	return resp.Endpoint, nil
}
