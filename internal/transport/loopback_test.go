package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func next(t *testing.T, p Port) Event {
	t.Helper()
	select {
	case e := <-p.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func quiet(t *testing.T, p Port) {
	t.Helper()
	select {
	case e := <-p.Events():
		t.Fatalf("unexpected event %#v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackDiscoverAndConnect(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	alice, bob := n.Join("alice-ep"), n.Join("bob-ep")

	require.NoError(t, alice.Advertise(ctx, "Alice", "svc"))
	require.NoError(t, bob.Discover(ctx, "svc"))
	require.Equal(t, EndpointFound{EndpointID: "alice-ep", Name: "Alice"}, next(t, bob))

	require.NoError(t, bob.RequestConnection(ctx, "Bob", "alice-ep"))
	require.Equal(t, ConnectionInitiated{EndpointID: "alice-ep", Name: "Alice"}, next(t, bob))
	require.Equal(t, ConnectionInitiated{EndpointID: "bob-ep", Name: "Bob", Incoming: true}, next(t, alice))

	require.NoError(t, bob.AcceptConnection("alice-ep"))
	quiet(t, bob)
	require.NoError(t, alice.AcceptConnection("bob-ep"))
	require.Equal(t, ConnectionResult{EndpointID: "bob-ep", Success: true}, next(t, alice))
	require.Equal(t, ConnectionResult{EndpointID: "alice-ep", Success: true}, next(t, bob))

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, bob.Send("alice-ep", []byte(s)))
	}
	for _, s := range []string{"1", "2", "3"} {
		require.Equal(t, PayloadReceived{EndpointID: "bob-ep", Data: []byte(s)}, next(t, alice))
	}

	// local disconnect is silent locally
	bob.Disconnect("alice-ep")
	require.Equal(t, Disconnected{EndpointID: "bob-ep"}, next(t, alice))
	quiet(t, bob)
	require.ErrorIs(t, alice.Send("bob-ep", []byte("x")), ErrUnknownEndpoint)
}

func TestLoopbackReject(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	alice, bob := n.Join("a"), n.Join("b")
	require.NoError(t, alice.Advertise(ctx, "Alice", "svc"))

	require.NoError(t, bob.RequestConnection(ctx, "Bob", "a"))
	next(t, bob)
	next(t, alice)
	require.NoError(t, bob.AcceptConnection("a"))
	require.NoError(t, alice.RejectConnection("b"))

	res := next(t, bob).(ConnectionResult)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrRejected)
	require.False(t, next(t, alice).(ConnectionResult).Success)
}

func TestLoopbackDiscoveryUnavailable(t *testing.T) {
	n := NewNetwork()
	p := n.Join("a")
	p.SetDiscoveryAvailable(false)
	require.ErrorIs(t, p.Discover(context.Background(), "svc"), ErrDiscoveryUnavailable)
	p.SetDiscoveryAvailable(true)
	require.NoError(t, p.Discover(context.Background(), "svc"))
}

func TestLoopbackLostAndSever(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	alice, bob := n.Join("a"), n.Join("b")
	require.NoError(t, bob.Discover(ctx, "svc"))
	require.NoError(t, alice.Advertise(ctx, "Alice", "svc"))
	require.Equal(t, EndpointFound{EndpointID: "a", Name: "Alice"}, next(t, bob))
	alice.StopAdvertise()
	require.Equal(t, EndpointLost{EndpointID: "a"}, next(t, bob))

	require.NoError(t, bob.RequestConnection(ctx, "Bob", "a"))
	next(t, bob)
	next(t, alice)
	require.NoError(t, bob.AcceptConnection("a"))
	require.NoError(t, alice.AcceptConnection("b"))
	next(t, bob)
	next(t, alice)

	n.Sever("a", "b")
	require.Equal(t, Disconnected{EndpointID: "b"}, next(t, alice))
	require.Equal(t, Disconnected{EndpointID: "a"}, next(t, bob))
}

func TestLoopbackUnknownEndpoint(t *testing.T) {
	n := NewNetwork()
	p := n.Join("a")
	require.ErrorIs(t, p.RequestConnection(context.Background(), "A", "nobody"), ErrUnknownEndpoint)
	require.ErrorIs(t, p.AcceptConnection("nobody"), ErrUnknownEndpoint)
	require.NoError(t, p.Close())
	require.ErrorIs(t, p.Advertise(context.Background(), "A", "svc"), ErrClosed)
}
