// Package transport defines the proximity transport the session drives and
// an in-process implementation of it.
package transport

import (
	"context"
	"errors"
)

var (
	ErrUnknownEndpoint      = errors.New("transport: unknown endpoint")
	ErrDiscoveryUnavailable = errors.New("transport: discovery unavailable")
	ErrBackpressure         = errors.New("transport: outbox full")
	ErrRejected             = errors.New("transport: connection rejected")
	ErrClosed               = errors.New("transport: closed")
)

// Port is a local-proximity transport. Calls return once the request has been
// handed to the transport; outcomes arrive later on Events in the order the
// transport observed them. Payloads on one link are delivered in send order.
//
// A connection is established only after both sides call AcceptConnection.
// Disconnect never produces a Disconnected event locally; the remote side
// sees one.
type Port interface {
	Advertise(ctx context.Context, name, serviceID string) error
	StopAdvertise()
	Discover(ctx context.Context, serviceID string) error
	StopDiscover()
	RequestConnection(ctx context.Context, name, endpointID string) error
	AcceptConnection(endpointID string) error
	RejectConnection(endpointID string) error
	Disconnect(endpointID string)
	Send(endpointID string, payload []byte) error
	Events() <-chan Event
	Close() error
}

// Event is one of EndpointFound, EndpointLost, ConnectionInitiated,
// ConnectionResult, Disconnected, PayloadReceived.
type Event interface {
	Endpoint() string
}

type EndpointFound struct {
	EndpointID string
	Name       string
}

type EndpointLost struct {
	EndpointID string
}

// ConnectionInitiated starts a negotiation. Incoming is false on the side
// that called RequestConnection.
type ConnectionInitiated struct {
	EndpointID string
	Name       string
	Incoming   bool
}

type ConnectionResult struct {
	EndpointID string
	Success    bool
	Err        error
}

type Disconnected struct {
	EndpointID string
}

type PayloadReceived struct {
	EndpointID string
	Data       []byte
}

func (e EndpointFound) Endpoint() string       { return e.EndpointID }
func (e EndpointLost) Endpoint() string        { return e.EndpointID }
func (e ConnectionInitiated) Endpoint() string { return e.EndpointID }
func (e ConnectionResult) Endpoint() string    { return e.EndpointID }
func (e Disconnected) Endpoint() string        { return e.EndpointID }
func (e PayloadReceived) Endpoint() string     { return e.EndpointID }
