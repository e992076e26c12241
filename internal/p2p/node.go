// Package p2p implements the proximity transport over a libp2p host on the
// local network. Peers find each other with DNS-SD (zeroconf) and negotiate
// connections on a dedicated stream protocol.
package p2p

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/transport"

	"github.com/grandcat/zeroconf"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("p2p")

func init() { Quiet() }

// Quiet turns down libp2p subsystems whose dial failures and backoff
// errors would otherwise pollute terminal output. Call it again after
// resetting all log levels.
func Quiet() {
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autonat", "warn")
	_ = logging.SetLogLevel("net/identify", "warn")
}

type Options struct {
	ListenPort     int
	KeyFile        string
	ServiceType    string
	Domain         string
	BrowseInterval time.Duration
	OutboxSize     int
}

func (o Options) withDefaults() Options {
	if o.ServiceType == "" {
		o.ServiceType = proto.ServiceType
	}
	if o.Domain == "" {
		o.Domain = proto.Domain
	}
	if o.BrowseInterval <= 0 {
		o.BrowseInterval = 5 * time.Second
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	return o
}

// Node is a transport.Port backed by libp2p. The endpoint ID of a peer is
// its libp2p peer ID.
type Node struct {
	host   host.Host
	opts   Options
	events *transport.Queue

	mu        sync.Mutex
	links     map[peer.ID]*link
	advName   string
	server    *zeroconf.Server
	browse    *browser
	lastSeen  map[peer.ID]*sighting // sightings of the last stopped browser
	closed    bool
	closeOnce sync.Once
}

var _ transport.Port = (*Node)(nil)

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnw("corrupt identity key, generating a new one", "path", keyFile, "err", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, false, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

func New(opts Options) (*Node, error) {
	opts = opts.withDefaults()

	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	log.Infow("identity key", "path", opts.KeyFile, "generated", isNew)

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{
		host:   h,
		opts:   opts,
		events: transport.NewQueue(),
		links:  map[peer.ID]*link{},
	}
	h.SetStreamHandler(protocol.ID(proto.ConnectProtoID), n.handleStream)

	log.Infow("node started", "peer", h.ID(), "addrs", h.Addrs())
	return n, nil
}

// ID is this node's endpoint ID.
func (n *Node) ID() string { return n.host.ID().String() }

func (n *Node) Addrs() []ma.Multiaddr { return n.host.Addrs() }

func (n *Node) Events() <-chan transport.Event { return n.events.Events() }

// tcpPort is the port the host actually listens on, which differs from the
// configured one when that was 0.
func (n *Node) tcpPort() (int, error) {
	for _, a := range n.host.Network().ListenAddresses() {
		v, err := a.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			return p, nil
		}
	}
	return 0, errors.New("no tcp listen address")
}

func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.StopAdvertise()
		n.StopDiscover()

		n.mu.Lock()
		n.closed = true
		for id, l := range n.links {
			delete(n.links, id)
			l.finish(&proto.Frame{Type: proto.FrameBye})
		}
		n.mu.Unlock()

		err = n.host.Close()
		n.events.Close()
	})
	return err
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func decodeEndpoint(endpointID string) (peer.ID, error) {
	pid, err := peer.Decode(endpointID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	return pid, nil
}
