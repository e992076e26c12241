package p2p

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/transport"

	"github.com/grandcat/zeroconf"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// missedRounds is how many browse rounds a peer may be absent from before
// it is reported lost. mDNS answers are lossy; one miss means little.
const missedRounds = 2

// Advertise publishes this node under the configured service type with the
// given display name. A running advertisement is replaced.
func (n *Node) Advertise(ctx context.Context, name, serviceID string) error {
	if n.isClosed() {
		return transport.ErrClosed
	}
	port, err := n.tcpPort()
	if err != nil {
		return err
	}

	txt := []string{
		proto.TxtName + "=" + name,
		proto.TxtService + "=" + serviceID,
		proto.TxtStrategy + "=" + proto.StrategyStar,
	}
	server, err := zeroconf.Register(n.ID(), n.opts.ServiceType, n.opts.Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", n.opts.ServiceType, err)
	}

	n.mu.Lock()
	old := n.server
	n.server = server
	n.advName = name
	n.mu.Unlock()
	if old != nil {
		old.Shutdown()
	}
	log.Infow("advertising", "name", name, "service", serviceID, "port", port)
	return nil
}

func (n *Node) StopAdvertise() {
	n.mu.Lock()
	server := n.server
	n.server = nil
	n.mu.Unlock()
	if server != nil {
		server.Shutdown()
		log.Debugw("advertising stopped")
	}
}

// Discover starts browsing for peers advertising serviceID. Results arrive
// as EndpointFound and EndpointLost events until StopDiscover. Peers seen
// by an earlier browser carry over, so one that left in between is still
// reported lost.
func (n *Node) Discover(ctx context.Context, serviceID string) error {
	if n.isClosed() {
		return transport.ErrClosed
	}
	// Probe once so a machine without multicast fails here, not silently.
	if _, err := zeroconf.NewResolver(nil); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrDiscoveryUnavailable, err)
	}

	b := n.newBrowser(serviceID)
	n.install(b)
	go b.run()
	log.Infow("discovery started", "service", serviceID, "known", len(b.seen))
	return nil
}

// install makes b the running browser. The one it replaces is stopped
// outside the lock and its sightings seed b.
func (n *Node) install(b *browser) {
	n.mu.Lock()
	old := n.browse
	n.browse = b
	seen := n.lastSeen
	n.lastSeen = nil
	n.mu.Unlock()
	if old != nil {
		seen = old.stop()
	}
	for pid, s := range seen {
		b.seen[pid] = s
	}
}

func (n *Node) StopDiscover() {
	n.mu.Lock()
	b := n.browse
	n.browse = nil
	n.mu.Unlock()
	if b == nil {
		return
	}
	seen := b.stop()
	n.mu.Lock()
	if n.browse == nil {
		n.lastSeen = seen
	}
	n.mu.Unlock()
	log.Debugw("discovery stopped")
}

type sighting struct {
	name   string
	missed int
}

type browser struct {
	node      *Node
	serviceID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	seen      map[peer.ID]*sighting
}

func (n *Node) newBrowser(serviceID string) *browser {
	ctx, cancel := context.WithCancel(context.Background())
	return &browser{
		node:      n,
		serviceID: serviceID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		seen:      map[peer.ID]*sighting{},
	}
}

// stop cancels the browser, waits for it and hands back its sightings.
func (b *browser) stop() map[peer.ID]*sighting {
	b.cancel()
	<-b.done
	return b.seen
}

func (b *browser) run() {
	defer close(b.done)
	for {
		found, err := b.round(b.ctx)
		if b.ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warnw("browse round failed", "err", err)
		} else {
			b.reconcile(found)
		}
	}
}

// round browses for one interval. A fresh resolver is needed each time: a
// resolver shuts its sockets down when its browse context ends.
func (b *browser) round(ctx context.Context) (map[peer.ID]string, error) {
	n := b.node
	rctx, cancel := context.WithTimeout(ctx, n.opts.BrowseInterval)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		<-rctx.Done()
		return nil, err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(rctx, n.opts.ServiceType, n.opts.Domain, entries); err != nil {
		<-rctx.Done()
		return nil, err
	}

	found := map[peer.ID]string{}
	for {
		select {
		case <-rctx.Done():
			return found, nil
		case e, ok := <-entries:
			if !ok {
				<-rctx.Done()
				return found, nil
			}
			pid, name, ok := b.accept(e)
			if ok {
				found[pid] = name
			}
		}
	}
}

// accept filters one browse answer and records the peer's addresses.
func (b *browser) accept(e *zeroconf.ServiceEntry) (peer.ID, string, bool) {
	n := b.node
	pid, err := peer.Decode(e.Instance)
	if err != nil || pid == n.host.ID() {
		return "", "", false
	}
	txt := parseTXT(e.Text)
	if txt[proto.TxtService] != b.serviceID {
		return "", "", false
	}

	addrs := entryAddrs(e)
	if len(addrs) == 0 {
		return "", "", false
	}
	n.host.Peerstore().AddAddrs(pid, addrs, 3*n.opts.BrowseInterval+time.Minute)

	name := txt[proto.TxtName]
	if name == "" {
		name = e.Instance
	}
	return pid, name, true
}

func (b *browser) reconcile(found map[peer.ID]string) {
	q := b.node.events
	for pid, name := range found {
		s, ok := b.seen[pid]
		if ok && s.name == name {
			s.missed = 0
			continue
		}
		b.seen[pid] = &sighting{name: name}
		q.Push(transport.EndpointFound{EndpointID: pid.String(), Name: name})
	}
	for pid, s := range b.seen {
		if _, ok := found[pid]; ok {
			continue
		}
		s.missed++
		if s.missed >= missedRounds {
			delete(b.seen, pid)
			q.Push(transport.EndpointLost{EndpointID: pid.String()})
		}
	}
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, ok := strings.Cut(r, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func entryAddrs(e *zeroconf.ServiceEntry) []ma.Multiaddr {
	ips := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	ips = append(ips, e.AddrIPv4...)
	ips = append(ips, e.AddrIPv6...)

	var out []ma.Multiaddr
	for _, ip := range ips {
		if ip.IsLinkLocalUnicast() {
			continue
		}
		a, err := manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: e.Port})
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}
