package p2p

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/nearchat/internal/transport"

	"github.com/grandcat/zeroconf"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Options{KeyFile: filepath.Join(t.TempDir(), "identity.key")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// introduce lets a dial b without going through mDNS.
func introduce(a, b *Node) {
	a.host.Peerstore().AddAddrs(b.host.ID(), b.host.Addrs(), peerstore.TempAddrTTL)
}

func next(t *testing.T, n *Node) transport.Event {
	t.Helper()
	select {
	case e := <-n.Events():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no transport event")
		return nil
	}
}

func negotiate(t *testing.T, guest, host *Node) {
	t.Helper()
	introduce(guest, host)
	host.mu.Lock()
	host.advName = "Host" // what Advertise would record, without touching multicast
	host.mu.Unlock()
	require.NoError(t, guest.RequestConnection(context.Background(), "Guest", host.ID()))

	require.Equal(t, transport.ConnectionInitiated{EndpointID: guest.ID(), Name: "Guest", Incoming: true}, next(t, host))
	require.Equal(t, transport.ConnectionInitiated{EndpointID: host.ID(), Name: "Host", Incoming: false}, next(t, guest))
}

func TestKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "identity.key")
	k1, created, err := loadOrCreateKey(path)
	require.NoError(t, err)
	require.True(t, created)

	k2, created, err := loadOrCreateKey(path)
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, k1.Equals(k2))
}

func TestConnectExchangeDisconnect(t *testing.T) {
	host, guest := newTestNode(t), newTestNode(t)
	negotiate(t, guest, host)

	require.NoError(t, guest.AcceptConnection(host.ID()))
	require.ErrorIs(t, guest.Send(host.ID(), []byte("early")), transport.ErrUnknownEndpoint)
	require.NoError(t, host.AcceptConnection(guest.ID()))

	require.Equal(t, transport.ConnectionResult{EndpointID: guest.ID(), Success: true}, next(t, host))
	require.Equal(t, transport.ConnectionResult{EndpointID: host.ID(), Success: true}, next(t, guest))

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, guest.Send(host.ID(), []byte(p)))
	}
	for _, p := range []string{"one", "two", "three"} {
		require.Equal(t, transport.PayloadReceived{EndpointID: guest.ID(), Data: []byte(p)}, next(t, host))
	}

	host.Disconnect(guest.ID())
	require.Equal(t, transport.Disconnected{EndpointID: host.ID()}, next(t, guest))
	select {
	case e := <-host.Events():
		t.Fatalf("local disconnect reported %#v", e)
	case <-time.After(200 * time.Millisecond):
	}
	require.ErrorIs(t, host.Send(guest.ID(), []byte("late")), transport.ErrUnknownEndpoint)
}

func TestRejectFailsBothSides(t *testing.T) {
	host, guest := newTestNode(t), newTestNode(t)
	negotiate(t, guest, host)

	require.NoError(t, guest.AcceptConnection(host.ID()))
	require.NoError(t, host.RejectConnection(guest.ID()))

	res := next(t, host).(transport.ConnectionResult)
	require.False(t, res.Success)
	res = next(t, guest).(transport.ConnectionResult)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, transport.ErrRejected)
}

func TestRequestUnknownEndpoint(t *testing.T) {
	n := newTestNode(t)
	require.ErrorIs(t, n.RequestConnection(context.Background(), "x", "not-a-peer-id"), transport.ErrUnknownEndpoint)
	require.ErrorIs(t, n.AcceptConnection("not-a-peer-id"), transport.ErrUnknownEndpoint)

	require.NoError(t, n.Close())
	require.ErrorIs(t, n.Advertise(context.Background(), "x", "svc"), transport.ErrClosed)
}

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"name=Alice", "svc=by.arsy.wificonnector", "junk", "empty="})
	require.Equal(t, map[string]string{"name": "Alice", "svc": "by.arsy.wificonnector", "empty": ""}, got)
}

func TestEntryAddrs(t *testing.T) {
	e := zeroconf.NewServiceEntry("inst", "_nearchat._tcp", "local.")
	e.Port = 4001
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20"), net.ParseIP("169.254.3.4")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fd00::1")}

	addrs := entryAddrs(e)
	require.Len(t, addrs, 2)
	require.Equal(t, "/ip4/192.168.1.20/tcp/4001", addrs[0].String())
	require.Equal(t, "/ip6/fd00::1/tcp/4001", addrs[1].String())
}
