package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Network is an in-process radio shared by Loopback ports. It is used by
// tests and by the demo command.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Loopback
}

func NewNetwork() *Network {
	return &Network{nodes: map[string]*Loopback{}}
}

// Join attaches a new port reachable as endpointID.
func (n *Network) Join(endpointID string) *Loopback {
	n.mu.Lock()
	defer n.mu.Unlock()
	lb := &Loopback{
		net:   n,
		id:    endpointID,
		q:     NewQueue(),
		links: map[string]*loopLink{},
	}
	n.nodes[endpointID] = lb
	return lb
}

// Sever drops the link between a and b as if the radio went away. Both
// sides observe Disconnected.
func (n *Network) Sever(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	na, nb := n.nodes[a], n.nodes[b]
	if na == nil || nb == nil {
		return
	}
	la, lb := na.links[b], nb.links[a]
	delete(na.links, b)
	delete(nb.links, a)
	if la != nil && la.established {
		na.q.Push(Disconnected{EndpointID: b})
	}
	if lb != nil && lb.established {
		nb.q.Push(Disconnected{EndpointID: a})
	}
}

type loopLink struct {
	localAccepted  bool
	remoteAccepted bool
	established    bool
}

// Loopback is a Port on a Network. All state is guarded by the network lock.
type Loopback struct {
	net *Network
	id  string
	q   *Queue

	advertising bool
	advName     string
	advService  string

	discovering   bool
	discService   string
	discoveryDown bool

	links  map[string]*loopLink
	closed bool
}

func (l *Loopback) ID() string { return l.id }

// SetDiscoveryAvailable simulates the radio or location being switched off.
func (l *Loopback) SetDiscoveryAvailable(ok bool) {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	l.discoveryDown = !ok
}

func (l *Loopback) Events() <-chan Event { return l.q.Events() }

func (l *Loopback) Advertise(_ context.Context, name, serviceID string) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.advertising, l.advName, l.advService = true, name, serviceID
	for _, other := range l.net.nodes {
		if other != l && other.discovering && other.discService == serviceID {
			other.q.Push(EndpointFound{EndpointID: l.id, Name: name})
		}
	}
	return nil
}

func (l *Loopback) StopAdvertise() {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if !l.advertising {
		return
	}
	l.advertising = false
	for _, other := range l.net.nodes {
		if other != l && other.discovering && other.discService == l.advService {
			other.q.Push(EndpointLost{EndpointID: l.id})
		}
	}
}

func (l *Loopback) Discover(_ context.Context, serviceID string) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.discoveryDown {
		return ErrDiscoveryUnavailable
	}
	l.discovering, l.discService = true, serviceID

	ids := make([]string, 0, len(l.net.nodes))
	for id := range l.net.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		other := l.net.nodes[id]
		if other != l && other.advertising && other.advService == serviceID {
			l.q.Push(EndpointFound{EndpointID: other.id, Name: other.advName})
		}
	}
	return nil
}

func (l *Loopback) StopDiscover() {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	l.discovering = false
}

func (l *Loopback) RequestConnection(_ context.Context, name, endpointID string) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	remote := l.net.nodes[endpointID]
	if remote == nil || remote == l || remote.closed {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}
	if _, ok := l.links[endpointID]; ok {
		return fmt.Errorf("connection to %s already exists", endpointID)
	}
	l.links[endpointID] = &loopLink{}
	remote.links[l.id] = &loopLink{}

	l.q.Push(ConnectionInitiated{EndpointID: endpointID, Name: remote.advName, Incoming: false})
	remote.q.Push(ConnectionInitiated{EndpointID: l.id, Name: name, Incoming: true})
	return nil
}

func (l *Loopback) AcceptConnection(endpointID string) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	link, remote, err := l.pending(endpointID)
	if err != nil {
		return err
	}
	link.localAccepted = true
	rl := remote.links[l.id]
	rl.remoteAccepted = true
	if link.localAccepted && link.remoteAccepted {
		link.established, rl.established = true, true
		l.q.Push(ConnectionResult{EndpointID: endpointID, Success: true})
		remote.q.Push(ConnectionResult{EndpointID: l.id, Success: true})
	}
	return nil
}

func (l *Loopback) RejectConnection(endpointID string) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	_, remote, err := l.pending(endpointID)
	if err != nil {
		return err
	}
	delete(l.links, endpointID)
	delete(remote.links, l.id)
	l.q.Push(ConnectionResult{EndpointID: endpointID, Err: ErrRejected})
	remote.q.Push(ConnectionResult{EndpointID: l.id, Err: ErrRejected})
	return nil
}

func (l *Loopback) Disconnect(endpointID string) {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	l.disconnectLocked(endpointID)
}

func (l *Loopback) disconnectLocked(endpointID string) {
	link, ok := l.links[endpointID]
	if !ok {
		return
	}
	delete(l.links, endpointID)
	remote := l.net.nodes[endpointID]
	if remote == nil {
		return
	}
	delete(remote.links, l.id)
	if link.established {
		remote.q.Push(Disconnected{EndpointID: l.id})
	} else {
		remote.q.Push(ConnectionResult{EndpointID: l.id, Err: ErrRejected})
	}
}

func (l *Loopback) Send(endpointID string, payload []byte) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	link, ok := l.links[endpointID]
	if !ok || !link.established {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}
	remote := l.net.nodes[endpointID]
	remote.q.Push(PayloadReceived{EndpointID: l.id, Data: slices.Clone(payload)})
	return nil
}

// Close disconnects every link, stops advertising and leaves the network.
func (l *Loopback) Close() error {
	l.net.mu.Lock()
	if l.closed {
		l.net.mu.Unlock()
		return nil
	}
	for id := range l.links {
		l.disconnectLocked(id)
	}
	l.closed = true
	l.net.mu.Unlock()

	l.StopAdvertise()

	l.net.mu.Lock()
	delete(l.net.nodes, l.id)
	l.net.mu.Unlock()
	l.q.Close()
	return nil
}

func (l *Loopback) pending(endpointID string) (*loopLink, *Loopback, error) {
	link, ok := l.links[endpointID]
	remote := l.net.nodes[endpointID]
	if !ok || remote == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}
	if link.established {
		return nil, nil, fmt.Errorf("connection to %s already established", endpointID)
	}
	return link, remote, nil
}
