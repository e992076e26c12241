package session

import (
	"context"
	"fmt"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/identity"
	"github.com/petervdpas/nearchat/internal/transport"
)

type command interface{}

type (
	startHostingCmd      struct{}
	startDiscoveryCmd    struct{}
	stopDiscoveryCmd     struct{}
	requestConnectionCmd struct{ endpointID string }
	resolveCmd           struct {
		dialogID uint64
		decision bus.Decision
	}
	sendMessageCmd struct {
		text  string
		reply chan error
	}
	renameCmd struct {
		name  string
		reply chan error
	}
	teardownCmd struct{ reply chan error }

	// results of transport calls made off the loop
	advertiseResult struct {
		gen  uint64
		name string
		err  error
	}
	discoverResult struct {
		gen uint64
		err error
	}
	requestResult struct {
		endpointID string
		err        error
	}
)

// link is a connection in negotiation or established.
type link struct {
	endpointID string
	name       string
	incoming   bool // the remote side asked; we are its host
	connected  bool
}

// Run processes commands and transport events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	o.runCtx = ctx
	events := o.port.Events()

	radioDone := make(chan struct{})
	go func() {
		defer close(radioDone)
		o.radio.run(ctx)
	}()

	log.Infow("session started", "self", o.Self().ID, "service", o.opts.ServiceID)
	for {
		select {
		case <-ctx.Done():
			o.cancelTimers()
			<-radioDone
			return ctx.Err()
		case c := <-o.cmds:
			o.handleCommand(c)
		case ev := <-events:
			o.handleEvent(ev)
		}
		o.publish()
	}
}

func (o *Orchestrator) handleCommand(c command) {
	switch c := c.(type) {
	case startHostingCmd:
		o.startHosting()
	case startDiscoveryCmd:
		o.startDiscovery()
	case stopDiscoveryCmd:
		o.stopDiscovery()
	case requestConnectionCmd:
		o.requestConnection(c.endpointID)
	case resolveCmd:
		o.resolve(c.dialogID, c.decision)
	case sendMessageCmd:
		c.reply <- o.sendMessage(c.text)
	case renameCmd:
		c.reply <- o.rename(c.name)
	case teardownCmd:
		o.teardown()
		c.reply <- nil

	case advertiseResult:
		o.onAdvertiseResult(c)
	case discoverResult:
		o.onDiscoverResult(c)
	case requestResult:
		if c.err != nil {
			log.Warnw("connection request failed", "endpoint", c.endpointID, "err", c.err)
			o.notice(fmt.Sprintf("Failed to connect: %v", c.err))
		}
	default:
		log.Errorw("unknown command", "type", fmt.Sprintf("%T", c))
	}
}

func (o *Orchestrator) handleEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.EndpointFound:
		o.onEndpointFound(ev.EndpointID, ev.Name)
	case transport.EndpointLost:
		o.onEndpointLost(ev.EndpointID)
	case transport.ConnectionInitiated:
		o.onConnectionInitiated(ev.EndpointID, ev.Name, ev.Incoming)
	case transport.ConnectionResult:
		o.onConnectionResult(ev.EndpointID, ev.Success, ev.Err)
	case transport.Disconnected:
		o.onDisconnected(ev.EndpointID)
	case transport.PayloadReceived:
		o.onPayloadReceived(ev.EndpointID, ev.Data)
	default:
		log.Errorw("unknown transport event", "type", fmt.Sprintf("%T", ev))
	}
}

// ── operations ──────────────────────────────────────────────────────────────

func (o *Orchestrator) startHosting() {
	if o.getRole() == RoleGuest && o.connected.Len() > 0 {
		o.notice("Leave the current chat before hosting")
		return
	}
	o.setRole(RoleHost)
	o.advGen++
	gen, name := o.advGen, o.Self().DisplayName
	o.radio.do(false, func(ctx context.Context) {
		err := o.port.Advertise(ctx, name, o.opts.ServiceID)
		o.reply(ctx, advertiseResult{gen: gen, name: name, err: err})
	})
}

func (o *Orchestrator) onAdvertiseResult(r advertiseResult) {
	if r.gen != o.advGen {
		return
	}
	if r.err != nil {
		log.Warnw("advertise failed", "err", r.err)
		o.setFlags(func() { o.advertising = false })
		o.notice(r.err.Error())
		return
	}
	log.Infow("advertising", "name", r.name)
	o.setFlags(func() { o.advertising = true })
	o.notice(msgCreatedEndpoint(r.name))
}

func (o *Orchestrator) startDiscovery() {
	o.discGen++
	o.browsing = true
	gen := o.discGen
	o.radio.do(false, func(ctx context.Context) {
		o.port.StopDiscover()
		err := o.port.Discover(ctx, o.opts.ServiceID)
		o.reply(ctx, discoverResult{gen: gen, err: err})
	})
}

func (o *Orchestrator) onDiscoverResult(r discoverResult) {
	if r.gen != o.discGen {
		return
	}
	if r.err != nil {
		o.browsing = false
		log.Warnw("discovery failed", "err", r.err)
		o.setFlags(func() { o.discovering = false })
		o.notice(msgDiscoveryUnavailable)
		return
	}
	log.Infow("discovering", "service", o.opts.ServiceID)
	o.setFlags(func() { o.discovering = true })
}

func (o *Orchestrator) stopDiscovery() {
	o.discGen++
	o.browsing = false
	o.radio.do(true, func(context.Context) { o.port.StopDiscover() })
	o.setFlags(func() { o.discovering = false })
}

func (o *Orchestrator) requestConnection(endpointID string) {
	name := o.Self().DisplayName
	o.async(func(ctx context.Context) command {
		return requestResult{endpointID: endpointID, err: o.port.RequestConnection(ctx, name, endpointID)}
	})
}

func (o *Orchestrator) sendMessage(text string) error {
	role := o.getRole()
	if role == RoleUndetermined {
		return ErrNoSession
	}
	return o.chat.SendMessage(role == RoleHost, o.Self().DisplayName, text)
}

func (o *Orchestrator) rename(name string) error {
	name, err := identity.ValidateDisplayName(name)
	if err != nil {
		return err
	}
	if o.names != nil {
		if err := o.names.SetDisplayName(name); err != nil {
			return fmt.Errorf("persist display name: %w", err)
		}
	}
	o.mu.Lock()
	o.self.DisplayName = name
	o.mu.Unlock()
	log.Infow("display name changed", "name", name)
	return nil
}

func (o *Orchestrator) teardown() {
	if o.getRole() == RoleHost || o.isAdvertising() {
		o.advGen++
		o.radio.do(true, func(context.Context) { o.port.StopAdvertise() })
	}
	for id := range o.links {
		o.port.Disconnect(id)
		o.dropDecision(id)
	}
	clear(o.links)
	o.connected.Clear()
	o.setFlags(func() {
		o.advertising = false
		o.role = RoleUndetermined
	})
	log.Infow("session torn down")
}

// ── transport events ────────────────────────────────────────────────────────

func (o *Orchestrator) onEndpointFound(id, name string) {
	if !o.browsing {
		log.Debugw("ignoring sighting after discovery stopped", "endpoint", id)
		return
	}
	if o.discovered.Upsert(id, name) {
		log.Debugw("endpoint found", "endpoint", id, "name", name)
	}
}

func (o *Orchestrator) onEndpointLost(id string) {
	if o.discovered.Remove(id) {
		log.Debugw("endpoint lost", "endpoint", id)
	}
}

func (o *Orchestrator) onConnectionInitiated(id, name string, incoming bool) {
	o.links[id] = &link{endpointID: id, name: name, incoming: incoming}
	o.resolveRole(id, incoming)
	log.Infow("connection initiated", "endpoint", id, "name", name, "incoming", incoming, "role", o.getRole())

	if incoming {
		o.showDecision(id, msgConnectRequest(name), true, actAcceptConnection, actRejectConnection)
		return
	}
	if err := o.port.AcceptConnection(id); err != nil {
		log.Warnw("accept failed", "endpoint", id, "err", err)
		o.notice(err.Error())
		return
	}
	o.showDecision(id, msgWaitDecision(name), false, actHide, actHide)
}

func (o *Orchestrator) onConnectionResult(id string, success bool, err error) {
	l := o.links[id]
	name := id
	if l != nil && l.name != "" {
		name = l.name
	}
	o.dropDecision(id)

	if !success {
		delete(o.links, id)
		log.Infow("connection rejected", "endpoint", id, "err", err)
		o.notice(msgRejected(name))
		return
	}
	if l == nil {
		l = &link{endpointID: id, name: name}
		o.links[id] = l
	}
	l.connected = true
	o.connected.Upsert(id, name)
	log.Infow("connected", "endpoint", id, "name", name, "role", o.getRole())

	if o.getRole() == RoleHost {
		o.chat.PushSnapshot()
	}
	o.notice(msgConnected(name))
	o.bus.Publish(bus.NavigateTo{Target: bus.RouteChat})
}

func (o *Orchestrator) onDisconnected(id string) {
	name := id
	if l := o.links[id]; l != nil && l.name != "" {
		name = l.name
	} else if p, ok := o.connected.Get(id); ok {
		name = p.Name
	}
	delete(o.links, id)
	o.dropDecision(id)
	o.connected.Remove(id)
	o.discovered.Remove(id)
	log.Infow("disconnected", "endpoint", id, "name", name)

	if o.getRole() == RoleGuest {
		o.show("", msgDisconnected(name), false, actNavigateBack, actNavigateBack)
	}
}

func (o *Orchestrator) onPayloadReceived(id string, data []byte) {
	l := o.links[id]
	if l == nil || !l.connected {
		log.Warnw("payload from unconnected endpoint", "endpoint", id)
		return
	}
	if err := o.chat.HandlePayload(o.getRole() == RoleHost, id, data); err != nil {
		log.Warnw("discarding payload", "endpoint", id, "err", err)
	}
}

// ── helpers ─────────────────────────────────────────────────────────────────

// resolveRole fixes the role the first time a connection direction is known
// in a session. A session is fresh when nothing is advertised or linked.
func (o *Orchestrator) resolveRole(id string, incoming bool) {
	role := o.getRole()
	fresh := !o.isAdvertising() && len(o.links) == 1 && o.links[id] != nil
	if role != RoleUndetermined && !fresh {
		return
	}
	if incoming {
		o.setRole(RoleHost)
	} else {
		o.setRole(RoleGuest)
	}
}

// async runs a transport call off the loop and posts its result back.
func (o *Orchestrator) async(fn func(ctx context.Context) command) {
	ctx := o.runCtx
	go func() {
		o.reply(ctx, fn(ctx))
	}()
}

// reply posts the result of an off-loop call back to the loop.
func (o *Orchestrator) reply(ctx context.Context, res command) {
	select {
	case o.cmds <- res:
	case <-o.done:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) getRole() Role {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.role
}

func (o *Orchestrator) setRole(r Role) {
	o.setFlags(func() { o.role = r })
}

func (o *Orchestrator) isAdvertising() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.advertising
}

func (o *Orchestrator) setFlags(fn func()) {
	o.mu.Lock()
	fn()
	o.mu.Unlock()
}

// publish wakes watchers after each loop step.
func (o *Orchestrator) publish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range o.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}
