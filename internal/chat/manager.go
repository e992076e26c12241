package chat

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chat")

// Links is the view of the connected peers the manager replicates over.
type Links interface {
	// Connected returns a copy of the connected endpoint ids.
	Connected() []string
	// Host returns the endpoint of the host when the local peer is a guest.
	Host() (string, bool)
	Send(endpointID string, payload []byte) error
}

// Manager replicates the chat log across a star topology. The host owns the
// log and pushes the full snapshot after each change; guests forward their
// own lines to the host and replace their log with whatever it sends back.
// All methods except OwnsMessage and Log must be called from one goroutine.
type Manager struct {
	localID string
	log     *Log
	links   Links
}

func New(localID string, l *Log, links Links) *Manager {
	if l == nil {
		l = NewLog()
	}
	return &Manager{localID: localID, log: l, links: links}
}

func (m *Manager) Log() *Log { return m.log }

// OwnsMessage reports whether msg was written on this device.
func (m *Manager) OwnsMessage(msg Message) bool {
	return msg.SenderID == m.localID
}

// SendMessage sends text under displayName. A host appends and broadcasts;
// a guest sends one message to its host and leaves its own log untouched.
func (m *Manager) SendMessage(asHost bool, displayName, text string) error {
	msg, err := NewMessage(m.localID, displayName, text)
	if err != nil {
		return err
	}
	if asHost {
		m.AppendAndCorrect(msg)
		return nil
	}

	host, ok := m.links.Host()
	if !ok {
		return ErrNoHost
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := m.links.Send(host, payload); err != nil {
		return fmt.Errorf("send to host %s: %w", host, err)
	}
	log.Debugw("sent message to host", "host", host)
	return nil
}

// AppendAndCorrect applies msg to the authoritative log and broadcasts the
// result to every connected peer.
func (m *Manager) AppendAndCorrect(msg Message) {
	snap := m.log.AppendAndCorrect(msg)
	m.broadcast(snap, m.links.Connected())
}

// PushSnapshot sends the current log to the given peers, or to all connected
// peers when none are named.
func (m *Manager) PushSnapshot(to ...string) {
	if len(to) == 0 {
		to = m.links.Connected()
	}
	m.broadcast(m.log.Snapshot(), to)
}

// HandlePayload consumes bytes received from a peer. Malformed payloads are
// reported to the caller and leave the log unchanged.
func (m *Manager) HandlePayload(asHost bool, from string, data []byte) error {
	if asHost {
		msg, err := DecodeMessage(data)
		if err != nil {
			return err
		}
		m.AppendAndCorrect(msg)
		return nil
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	m.log.Replace(snap)
	log.Debugw("replaced log from snapshot", "from", from, "len", len(snap))
	return nil
}

func (m *Manager) broadcast(snap []Message, to []string) {
	if len(to) == 0 {
		return
	}
	payload, err := EncodeSnapshot(snap)
	if err != nil {
		log.Errorw("encode snapshot", "err", err)
		return
	}

	sent := 0
	var errs []error
	for _, id := range to {
		if err := m.links.Send(id, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		sent++
	}
	if len(errs) > 0 {
		log.Warnw("snapshot broadcast incomplete", "sent", sent, "peers", len(to), "err", errors.Join(errs...))
		return
	}
	log.Debugw("snapshot broadcast", "peers", sent, "len", len(snap))
}
