package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srpcnet/srpc/internal/codec"
)

type fakeAcceptor struct {
	endpoint codec.Endpoint
	lastPeer uint32
}

func (f *fakeAcceptor) AcceptSession(peerID uint32, remote codec.Endpoint) (codec.Endpoint, error) {
	f.lastPeer = peerID
	return f.endpoint, nil
}

func TestHandshakeGetEndpointRoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	acceptor := &fakeAcceptor{endpoint: codec.Endpoint{LID: 7, QPN: 99, PSN: 1}}
	srv := NewServer(acceptor, nil)
	go srv.Serve(lis)
	defer srv.Stop()

	client := NewClient(42, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote, err := client.Exchange(ctx, lis.Addr().String(), codec.Endpoint{LID: 1, QPN: 2, PSN: 3})
	require.NoError(t, err)

	assert.Equal(t, acceptor.endpoint, remote)
	assert.Equal(t, uint32(42), acceptor.lastPeer)
}

func TestHandshakeExchangeRetriesUntilContextDone(t *testing.T) {
	client := NewClient(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Exchange(ctx, "127.0.0.1:1", codec.Endpoint{})
	assert.Error(t, err)
}
