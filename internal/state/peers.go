package state

import (
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

type Peer struct {
	EndpointID string    `json:"endpoint_id"`
	Name       string    `json:"name"`
	Since      time.Time `json:"since"`
}

type PeerEvent struct {
	Type       string `json:"type"` // update|remove|clear
	EndpointID string `json:"endpoint_id,omitempty"`
	Peer       *Peer  `json:"peer,omitempty"`
}

// PeerSet is a set of endpoints keyed by id. An id appears at most once.
// Snapshots are ordered by the time an endpoint first joined the set.
type PeerSet struct {
	mu        sync.Mutex
	peers     map[string]Peer
	listeners []chan PeerEvent
}

func NewPeerSet() *PeerSet {
	return &PeerSet{
		peers:     map[string]Peer{},
		listeners: make([]chan PeerEvent, 0),
	}
}

// Upsert adds the endpoint or updates its name. It reports whether the
// endpoint was new.
func (s *PeerSet) Upsert(id, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.peers[id]
	if !exists {
		p = Peer{EndpointID: id, Since: time.Now()}
	}
	if exists && p.Name == name {
		return false
	}
	p.Name = name
	s.peers[id] = p
	s.notifyListeners(PeerEvent{Type: "update", EndpointID: id, Peer: &p})
	return !exists
}

func (s *PeerSet) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	s.notifyListeners(PeerEvent{Type: "remove", EndpointID: id})
	return true
}

// Clear empties the set and returns the ids that were in it.
func (s *PeerSet) Clear() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.peers)
	slices.Sort(ids)
	if len(ids) == 0 {
		return ids
	}
	s.peers = map[string]Peer{}
	s.notifyListeners(PeerEvent{Type: "clear"})
	return ids
}

func (s *PeerSet) Get(id string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *PeerSet) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

func (s *PeerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Snapshot returns a copy of the set, oldest first.
func (s *PeerSet) Snapshot() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Values(s.peers)
	slices.SortFunc(out, func(a, b Peer) int {
		if c := a.Since.Compare(b.Since); c != 0 {
			return c
		}
		if a.EndpointID < b.EndpointID {
			return -1
		}
		if a.EndpointID > b.EndpointID {
			return 1
		}
		return 0
	})
	return out
}

// IDs returns the endpoint ids in Snapshot order.
func (s *PeerSet) IDs() []string {
	return lo.Map(s.Snapshot(), func(p Peer, _ int) string { return p.EndpointID })
}

func (s *PeerSet) Subscribe() chan PeerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	s.listeners = append(s.listeners, ch)
	return ch
}

func (s *PeerSet) Unsubscribe(ch chan PeerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *PeerSet) notifyListeners(evt PeerEvent) {
	for _, ch := range s.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
