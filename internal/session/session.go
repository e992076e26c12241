// Package session runs the peer connection state machine: advertising,
// discovery, connection negotiation, the host/guest role and chat
// replication over the resulting star.
//
// Everything that mutates session state runs on the goroutine started by
// Run. Public methods post commands to it; transport events are drained from
// the port on the same goroutine. Published views (State, Messages, Watch)
// may be read from anywhere.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/identity"
	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/state"
	"github.com/petervdpas/nearchat/internal/transport"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("session")

var (
	ErrStopped   = errors.New("session: stopped")
	ErrNoSession = errors.New("session: not in a chat")
)

type Role int

const (
	RoleUndetermined Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	}
	return "undetermined"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// NameStore persists the local display name.
type NameStore interface {
	SetDisplayName(name string) error
}

type Options struct {
	ServiceID   string
	MailboxSize int
	// DecisionTimeout cancels an unanswered incoming connection request.
	// Zero leaves it pending until the user answers.
	DecisionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ServiceID == "" {
		o.ServiceID = proto.ServiceID
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 64
	}
	return o
}

// State is the published view of a session.
type State struct {
	Self        identity.Local   `json:"self"`
	Role        Role             `json:"role"`
	Advertising bool             `json:"advertising"`
	Discovering bool             `json:"discovering"`
	Discovered  []state.Peer     `json:"discovered"`
	Connected   []state.Peer     `json:"connected"`
	Dialogs     []bus.ShowDialog `json:"dialogs"` // shown and not yet answered
}

type Orchestrator struct {
	port  transport.Port
	bus   *bus.Bus
	names NameStore
	opts  Options

	cmds chan command
	done chan struct{}

	discovered *state.PeerSet
	connected  *state.PeerSet
	chatLog    *chat.Log

	mu          sync.RWMutex
	self        identity.Local
	role        Role
	advertising bool
	discovering bool
	openDialogs []bus.ShowDialog
	watchers    []chan struct{}

	// Owned by the Run goroutine.
	runCtx     context.Context
	chat       *chat.Manager
	links      map[string]*link
	dialogs    map[uint64]*dialog
	byEndpoint map[string]uint64
	nextDialog uint64
	discGen    uint64
	advGen     uint64
	browsing   bool // discovery requested and not stopped since
	radio      *radio
}

func New(port transport.Port, b *bus.Bus, self identity.Local, names NameStore, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		port:       port,
		bus:        b,
		names:      names,
		opts:       opts,
		cmds:       make(chan command, opts.MailboxSize),
		done:       make(chan struct{}),
		discovered: state.NewPeerSet(),
		connected:  state.NewPeerSet(),
		chatLog:    chat.NewLog(),
		self:       self,
		links:      map[string]*link{},
		dialogs:    map[uint64]*dialog{},
		byEndpoint: map[string]uint64{},
		radio:      newRadio(),
	}
	o.chat = chat.New(self.ID, o.chatLog, linkView{o})
	return o
}

// StartHosting advertises the local display name and makes this device the
// host of the session.
func (o *Orchestrator) StartHosting(ctx context.Context) error {
	return o.post(ctx, startHostingCmd{})
}

// StartDiscovery (re)starts browsing for hosts. Any discovery in progress is
// stopped first.
func (o *Orchestrator) StartDiscovery(ctx context.Context) error {
	return o.post(ctx, startDiscoveryCmd{})
}

func (o *Orchestrator) StopDiscovery(ctx context.Context) error {
	return o.post(ctx, stopDiscoveryCmd{})
}

// RequestConnection asks a discovered endpoint to connect.
func (o *Orchestrator) RequestConnection(ctx context.Context, endpointID string) error {
	return o.post(ctx, requestConnectionCmd{endpointID: endpointID})
}

// Resolve answers the dialog with the given id. Unknown or superseded ids
// are ignored.
func (o *Orchestrator) Resolve(ctx context.Context, dialogID uint64, d bus.Decision) error {
	return o.post(ctx, resolveCmd{dialogID: dialogID, decision: d})
}

// SendMessage writes a chat line as the local user.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	return o.call(ctx, func(reply chan error) command { return sendMessageCmd{text: text, reply: reply} })
}

// UpdateDisplayName validates, persists and adopts a new display name.
func (o *Orchestrator) UpdateDisplayName(ctx context.Context, name string) error {
	return o.call(ctx, func(reply chan error) command { return renameCmd{name: name, reply: reply} })
}

// Teardown stops advertising and disconnects every peer. It returns once
// the session has processed it.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	return o.call(ctx, func(reply chan error) command { return teardownCmd{reply: reply} })
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	st := State{
		Self:        o.self,
		Role:        o.role,
		Advertising: o.advertising,
		Discovering: o.discovering,
		Dialogs:     append([]bus.ShowDialog(nil), o.openDialogs...),
	}
	o.mu.RUnlock()
	st.Discovered = o.discovered.Snapshot()
	st.Connected = o.connected.Snapshot()
	return st
}

func (o *Orchestrator) Self() identity.Local {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.self
}

func (o *Orchestrator) Messages() []chat.Message { return o.chatLog.Snapshot() }

// ConnectedPeers exposes the connected set for subscribers.
func (o *Orchestrator) ConnectedPeers() *state.PeerSet { return o.connected }

// ChatLog exposes the log for subscribers.
func (o *Orchestrator) ChatLog() *chat.Log { return o.chatLog }

func (o *Orchestrator) OwnsMessage(m chat.Message) bool { return o.chat.OwnsMessage(m) }

// Watch returns a channel that is signalled after state changes, and a
// function to stop watching. Signals coalesce.
func (o *Orchestrator) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	o.mu.Lock()
	o.watchers = append(o.watchers, ch)
	o.mu.Unlock()
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, w := range o.watchers {
			if w == ch {
				o.watchers = append(o.watchers[:i], o.watchers[i+1:]...)
				return
			}
		}
	}
}

func (o *Orchestrator) post(ctx context.Context, c command) error {
	select {
	case o.cmds <- c:
		return nil
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) call(ctx context.Context, mk func(chan error) command) error {
	reply := make(chan error, 1)
	if err := o.post(ctx, mk(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
