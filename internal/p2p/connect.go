package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/transport"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameBytes    = 1 << 20
)

var errAlreadyLinked = errors.New("p2p: a connection to this endpoint is already open")

// link is one connect stream. Its negotiation flags are guarded by Node.mu;
// the stream is written only by the writer goroutine.
type link struct {
	id     peer.ID
	name   string
	stream network.Stream
	outbox chan proto.Frame

	initiated   bool // remote request seen, ConnectionInitiated emitted
	localOK     bool
	remoteOK    bool
	established bool
	finished    bool

	writerDone chan struct{}
	once       sync.Once
}

func newLink(id peer.ID, s network.Stream, outboxSize int) *link {
	l := &link{
		id:         id,
		stream:     s,
		outbox:     make(chan proto.Frame, outboxSize),
		writerDone: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *link) writeLoop() {
	defer close(l.writerDone)
	defer l.stream.Close()
	enc := json.NewEncoder(l.stream)
	for f := range l.outbox {
		_ = l.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := enc.Encode(f); err != nil {
			log.Debugw("write failed", "peer", l.id, "type", f.Type, "err", err)
			l.stream.Reset()
			for range l.outbox {
			}
			return
		}
	}
}

// push queues f. Callers hold Node.mu.
func (l *link) push(f proto.Frame) error {
	if l.finished {
		return transport.ErrClosed
	}
	select {
	case l.outbox <- f:
		return nil
	default:
		return transport.ErrBackpressure
	}
}

// finish queues an optional last frame and closes the outbox; the writer
// closes the stream once it has drained. Callers hold Node.mu.
func (l *link) finish(last *proto.Frame) {
	l.once.Do(func() {
		if last != nil {
			select {
			case l.outbox <- *last:
			default:
			}
		}
		l.finished = true
		close(l.outbox)
	})
}

// RequestConnection dials endpointID and opens negotiation. The peer must
// have been discovered so its addresses are known.
func (n *Node) RequestConnection(ctx context.Context, name, endpointID string) error {
	pid, err := decodeEndpoint(endpointID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	_, busy := n.links[pid]
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if busy {
		return errAlreadyLinked
	}

	dctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	s, err := n.host.NewStream(dctx, pid, protocol.ID(proto.ConnectProtoID))
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpointID, err)
	}

	l := newLink(pid, s, n.opts.OutboxSize)
	n.mu.Lock()
	if _, busy := n.links[pid]; busy || n.closed {
		l.finish(nil)
		n.mu.Unlock()
		return errAlreadyLinked
	}
	n.links[pid] = l
	_ = l.push(proto.Frame{Type: proto.FrameRequest, Name: name})
	n.mu.Unlock()

	go n.readLoop(l, false)
	log.Debugw("connection requested", "peer", pid)
	return nil
}

func (n *Node) handleStream(s network.Stream) {
	pid := s.Conn().RemotePeer()
	n.mu.Lock()
	_, busy := n.links[pid]
	closed := n.closed
	advName := n.advName
	if busy || closed {
		n.mu.Unlock()
		log.Debugw("refusing second stream", "peer", pid)
		s.Reset()
		return
	}
	l := newLink(pid, s, n.opts.OutboxSize)
	n.links[pid] = l
	_ = l.push(proto.Frame{Type: proto.FrameRequest, Name: advName})
	n.mu.Unlock()

	n.readLoop(l, true)
}

// readLoop consumes frames until the stream ends. The first frame must be
// the remote's request, which starts negotiation on this side.
func (n *Node) readLoop(l *link, incoming bool) {
	dec := json.NewDecoder(bufio.NewReader(l.stream))
	_ = l.stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var hello proto.Frame
	if err := decodeFrame(dec, &hello); err != nil || hello.Type != proto.FrameRequest {
		if err == nil {
			err = fmt.Errorf("expected %s frame, got %q", proto.FrameRequest, hello.Type)
		}
		n.drop(l, err)
		return
	}
	_ = l.stream.SetReadDeadline(time.Time{})

	n.mu.Lock()
	if n.links[l.id] != l {
		n.mu.Unlock()
		return
	}
	l.name = hello.Name
	l.initiated = true
	n.events.Push(transport.ConnectionInitiated{EndpointID: l.id.String(), Name: hello.Name, Incoming: incoming})
	n.mu.Unlock()

	for {
		var f proto.Frame
		if err := decodeFrame(dec, &f); err != nil {
			n.drop(l, err)
			return
		}
		switch f.Type {
		case proto.FrameAccept:
			n.mu.Lock()
			if n.links[l.id] == l {
				l.remoteOK = true
				n.maybeEstablish(l)
			}
			n.mu.Unlock()
		case proto.FrameReject:
			n.drop(l, transport.ErrRejected)
			return
		case proto.FramePayload:
			n.mu.Lock()
			if n.links[l.id] == l && l.established {
				n.events.Push(transport.PayloadReceived{EndpointID: l.id.String(), Data: f.Data})
			}
			n.mu.Unlock()
		case proto.FrameBye:
			n.drop(l, io.EOF)
			return
		default:
			log.Debugw("ignoring frame", "peer", l.id, "type", f.Type)
		}
	}
}

func decodeFrame(dec *json.Decoder, f *proto.Frame) error {
	if err := dec.Decode(f); err != nil {
		return err
	}
	if len(f.Data) > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(f.Data))
	}
	return nil
}

// drop forgets a link the remote ended. Links removed locally are already
// gone from the map and report nothing.
func (n *Node) drop(l *link, cause error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.links[l.id] != l {
		return
	}
	delete(n.links, l.id)
	l.finish(nil)

	id := l.id.String()
	switch {
	case l.established:
		log.Infow("disconnected", "peer", l.id, "cause", cause)
		n.events.Push(transport.Disconnected{EndpointID: id})
	case l.initiated || errors.Is(cause, transport.ErrRejected):
		if !errors.Is(cause, transport.ErrRejected) {
			cause = fmt.Errorf("negotiation aborted: %w", cause)
		}
		n.events.Push(transport.ConnectionResult{EndpointID: id, Success: false, Err: cause})
	default:
		log.Debugw("handshake failed", "peer", l.id, "err", cause)
	}
}

// maybeEstablish reports success once both sides accepted. Callers hold n.mu.
func (n *Node) maybeEstablish(l *link) {
	if l.established || !l.localOK || !l.remoteOK {
		return
	}
	l.established = true
	log.Infow("connected", "peer", l.id, "name", l.name)
	n.events.Push(transport.ConnectionResult{EndpointID: l.id.String(), Success: true})
}

func (n *Node) pending(endpointID string) (*link, error) {
	pid, err := decodeEndpoint(endpointID)
	if err != nil {
		return nil, err
	}
	l, ok := n.links[pid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownEndpoint, endpointID)
	}
	return l, nil
}

func (n *Node) AcceptConnection(endpointID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, err := n.pending(endpointID)
	if err != nil {
		return err
	}
	if l.localOK {
		return nil
	}
	if err := l.push(proto.Frame{Type: proto.FrameAccept}); err != nil {
		return err
	}
	l.localOK = true
	n.maybeEstablish(l)
	return nil
}

// RejectConnection refuses a pending negotiation. Both sides get a failed
// ConnectionResult.
func (n *Node) RejectConnection(endpointID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, err := n.pending(endpointID)
	if err != nil {
		return err
	}
	delete(n.links, l.id)
	l.finish(&proto.Frame{Type: proto.FrameReject})
	n.events.Push(transport.ConnectionResult{EndpointID: endpointID, Success: false, Err: transport.ErrRejected})
	return nil
}

// Disconnect closes the link to endpointID. The remote sees Disconnected;
// nothing is reported locally.
func (n *Node) Disconnect(endpointID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, err := n.pending(endpointID)
	if err != nil {
		return
	}
	delete(n.links, l.id)
	l.finish(&proto.Frame{Type: proto.FrameBye})
}

// Send queues payload on an established link. A full outbox is reported as
// transport.ErrBackpressure rather than blocking the caller.
func (n *Node) Send(endpointID string, payload []byte) error {
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("payload of %d bytes exceeds limit", len(payload))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	l, err := n.pending(endpointID)
	if err != nil {
		return err
	}
	if !l.established {
		return fmt.Errorf("%w: %s not connected", transport.ErrUnknownEndpoint, endpointID)
	}
	return l.push(proto.Frame{Type: proto.FramePayload, Data: payload})
}
