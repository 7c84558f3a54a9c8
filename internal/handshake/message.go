package handshake

import "github.com/srpcnet/srpc/internal/codec"

// getEndpointRequest is sent by the side initiating a connection: "I am
// peer RequesterID, here is the endpoint for my queue pair, give me
// yours." 
type getEndpointRequest struct {
	RequesterID       uint32
	RequesterEndpoint codec.Endpoint
}

// getEndpointResponse carries the answering side's queue pair endpoint.
type getEndpointResponse struct {
	Endpoint codec.Endpoint
}
