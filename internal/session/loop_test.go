package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/identity"
	"github.com/petervdpas/nearchat/internal/transport"

	"github.com/stretchr/testify/require"
)

// scriptedPort records calls and lets the test inject transport events.
type scriptedPort struct {
	mu       sync.Mutex
	events   chan transport.Event
	accepted []string
	rejected []string
	sent     map[string][][]byte
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{events: make(chan transport.Event, 64), sent: map[string][][]byte{}}
}

func (p *scriptedPort) Advertise(context.Context, string, string) error         { return nil }
func (p *scriptedPort) StopAdvertise()                                          {}
func (p *scriptedPort) Discover(context.Context, string) error                  { return nil }
func (p *scriptedPort) StopDiscover()                                           {}
func (p *scriptedPort) RequestConnection(context.Context, string, string) error { return nil }
func (p *scriptedPort) Disconnect(string)                                       {}
func (p *scriptedPort) Events() <-chan transport.Event                          { return p.events }
func (p *scriptedPort) Close() error                                            { return nil }

func (p *scriptedPort) AcceptConnection(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = append(p.accepted, id)
	return nil
}

func (p *scriptedPort) RejectConnection(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = append(p.rejected, id)
	return nil
}

func (p *scriptedPort) Send(id string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[id] = append(p.sent[id], payload)
	return nil
}

func (p *scriptedPort) calls() (accepted, rejected []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.accepted...), append([]string(nil), p.rejected...)
}

func (p *scriptedPort) sentTo(id string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent[id]...)
}

func startScripted(t *testing.T) (*Orchestrator, *scriptedPort) {
	t.Helper()
	port := newScriptedPort()
	o := New(port, bus.New(), identity.Local{ID: "me", DisplayName: "Me"}, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o, port
}

// settle waits until every event injected so far has been handled: once the
// port channel is empty, a synchronous command queues behind the last one.
func settle(t *testing.T, o *Orchestrator, port *scriptedPort) {
	t.Helper()
	require.Eventually(t, func() bool { return len(port.events) == 0 }, waitFor, tick)
	require.NoError(t, o.UpdateDisplayName(context.Background(), o.Self().DisplayName))
}

func TestSecondInitiationReplacesPendingDecision(t *testing.T) {
	o, port := startScripted(t)
	ctx := context.Background()
	require.NoError(t, o.StartHosting(ctx))

	port.events <- transport.ConnectionInitiated{EndpointID: "e1", Name: "Bob", Incoming: true}
	port.events <- transport.ConnectionInitiated{EndpointID: "e1", Name: "Bobby", Incoming: true}
	settle(t, o, port)

	var open []bus.ShowDialog
	for _, d := range o.State().Dialogs {
		if d.Cancelable {
			open = append(open, d)
		}
	}
	require.Len(t, open, 1)
	require.Equal(t, "Do you want to connect with Bobby", open[0].Message)

	// the superseded dialog id is dead
	require.NoError(t, o.Resolve(ctx, open[0].ID-1, bus.Accept))
	settle(t, o, port)
	accepted, _ := port.calls()
	require.Empty(t, accepted)

	require.NoError(t, o.Resolve(ctx, open[0].ID, bus.Accept))
	settle(t, o, port)
	accepted, _ = port.calls()
	require.Equal(t, []string{"e1"}, accepted)
}

func TestCancelRejectsAtTransport(t *testing.T) {
	o, port := startScripted(t)
	ctx := context.Background()

	port.events <- transport.ConnectionInitiated{EndpointID: "e1", Name: "Bob", Incoming: true}
	settle(t, o, port)
	require.Equal(t, RoleHost, o.State().Role)

	d := o.State().Dialogs[0]
	require.NoError(t, o.Resolve(ctx, d.ID, bus.Cancel))
	settle(t, o, port)
	_, rejected := port.calls()
	require.Equal(t, []string{"e1"}, rejected)
	require.Empty(t, o.State().Dialogs)
}

func TestOutgoingInitiationAcceptsImmediately(t *testing.T) {
	o, port := startScripted(t)

	port.events <- transport.ConnectionInitiated{EndpointID: "h1", Name: "Host", Incoming: false}
	settle(t, o, port)
	accepted, _ := port.calls()
	require.Equal(t, []string{"h1"}, accepted)
	require.Equal(t, RoleGuest, o.State().Role)
	require.Equal(t, "Wait decision from Host", o.State().Dialogs[0].Message)
	require.False(t, o.State().Dialogs[0].Cancelable)
}

func TestMalformedPayloadIsDiscarded(t *testing.T) {
	o, port := startScripted(t)
	ctx := context.Background()
	require.NoError(t, o.StartHosting(ctx))

	port.events <- transport.ConnectionInitiated{EndpointID: "g1", Name: "Guest", Incoming: true}
	port.events <- transport.ConnectionResult{EndpointID: "g1", Success: true}
	port.events <- transport.PayloadReceived{EndpointID: "g1", Data: []byte("{not json")}
	port.events <- transport.PayloadReceived{EndpointID: "g1", Data: []byte(`[{"id":"x","username":"X","text":"snap"}]`)}
	port.events <- transport.PayloadReceived{EndpointID: "stranger", Data: []byte(`{"id":"s","username":"S","text":"t"}`)}
	settle(t, o, port)
	require.Empty(t, o.Messages())

	port.events <- transport.PayloadReceived{EndpointID: "g1", Data: []byte(`{"id":"g","username":"Guest","text":"hello"}`)}
	settle(t, o, port)
	require.Equal(t, []chat.Message{{SenderID: "g", DisplayName: "Guest", Text: "hello"}}, o.Messages())
}

func TestHostOnlyBroadcastsSnapshots(t *testing.T) {
	o, port := startScripted(t)
	ctx := context.Background()
	require.NoError(t, o.StartHosting(ctx))

	port.events <- transport.ConnectionInitiated{EndpointID: "g1", Name: "G1", Incoming: true}
	port.events <- transport.ConnectionResult{EndpointID: "g1", Success: true}
	settle(t, o, port)
	require.NoError(t, o.SendMessage(ctx, "one"))
	require.NoError(t, o.SendMessage(ctx, "two"))

	sent := port.sentTo("g1")
	require.Len(t, sent, 3) // connect snapshot + two messages
	for _, b := range sent {
		_, err := chat.DecodeSnapshot(b)
		require.NoError(t, err)
	}
	require.Equal(t, "[]", string(sent[0]))
}

func TestDisconnectPrunesBothSets(t *testing.T) {
	o, port := startScripted(t)
	require.NoError(t, o.StartDiscovery(context.Background()))
	settle(t, o, port)

	port.events <- transport.EndpointFound{EndpointID: "h1", Name: "Host"}
	port.events <- transport.ConnectionInitiated{EndpointID: "h1", Name: "Host", Incoming: false}
	port.events <- transport.ConnectionResult{EndpointID: "h1", Success: true}
	settle(t, o, port)
	require.Len(t, o.State().Connected, 1)
	require.Len(t, o.State().Discovered, 1)

	port.events <- transport.Disconnected{EndpointID: "h1"}
	settle(t, o, port)
	st := o.State()
	require.Empty(t, st.Connected)
	require.Empty(t, st.Discovered)
	require.Equal(t, "Disconnect with Host", st.Dialogs[len(st.Dialogs)-1].Message)
}

func TestSendWithoutSession(t *testing.T) {
	o, _ := startScripted(t)
	require.ErrorIs(t, o.SendMessage(context.Background(), "hi"), ErrNoSession)
}

func TestRenameValidates(t *testing.T) {
	o, _ := startScripted(t)
	ctx := context.Background()
	require.ErrorIs(t, o.UpdateDisplayName(ctx, "   "), identity.ErrInvalidName)
	require.NoError(t, o.UpdateDisplayName(ctx, " Neo "))
	require.Equal(t, "Neo", o.Self().DisplayName)
}

func TestWatchSignals(t *testing.T) {
	o, port := startScripted(t)
	ch, stop := o.Watch()
	defer stop()

	port.events <- transport.EndpointFound{EndpointID: "x", Name: "X"}
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("watcher not signalled")
	}
}

func TestCallsAfterStop(t *testing.T) {
	port := newScriptedPort()
	o := New(port, bus.New(), identity.Local{ID: "me", DisplayName: "Me"}, nil, Options{MailboxSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, o.Run(ctx), context.Canceled)

	require.ErrorIs(t, o.Teardown(context.Background()), ErrStopped)
	require.ErrorIs(t, o.SendMessage(context.Background(), "x"), ErrStopped)
}

// slowRadioPort takes a while to start advertising or discovering, and
// reports a sighting as soon as discovery is up.
type slowRadioPort struct {
	*scriptedPort
	delay time.Duration

	radioMu     sync.Mutex
	advertising bool
	discovering bool
	starts      int
	stops       int
}

func (p *slowRadioPort) Advertise(context.Context, string, string) error {
	time.Sleep(p.delay)
	p.radioMu.Lock()
	defer p.radioMu.Unlock()
	p.advertising = true
	p.starts++
	return nil
}

func (p *slowRadioPort) StopAdvertise() {
	p.radioMu.Lock()
	defer p.radioMu.Unlock()
	p.advertising = false
	p.stops++
}

func (p *slowRadioPort) Discover(context.Context, string) error {
	time.Sleep(p.delay)
	p.radioMu.Lock()
	p.discovering = true
	p.starts++
	p.radioMu.Unlock()
	p.events <- transport.EndpointFound{EndpointID: "host-ep", Name: "Alice"}
	return nil
}

func (p *slowRadioPort) StopDiscover() {
	p.radioMu.Lock()
	defer p.radioMu.Unlock()
	p.discovering = false
	p.stops++
}

func (p *slowRadioPort) counts() (starts, stops int, on bool) {
	p.radioMu.Lock()
	defer p.radioMu.Unlock()
	return p.starts, p.stops, p.advertising || p.discovering
}

func startSlowRadio(t *testing.T) (*Orchestrator, *slowRadioPort) {
	t.Helper()
	port := &slowRadioPort{scriptedPort: newScriptedPort(), delay: 100 * time.Millisecond}
	o := New(port, bus.New(), identity.Local{ID: "me", DisplayName: "Me"}, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o, port
}

func TestStopDiscoveryWhileStarting(t *testing.T) {
	o, port := startSlowRadio(t)
	ctx := context.Background()

	require.NoError(t, o.StartDiscovery(ctx))
	require.NoError(t, o.StopDiscovery(ctx))

	// the pre-start stop, the slow start, then the requested stop
	require.Eventually(t, func() bool {
		starts, stops, _ := port.counts()
		return starts == 1 && stops == 2
	}, waitFor, tick)
	settle(t, o, port.scriptedPort)

	_, _, on := port.counts()
	require.False(t, on)
	st := o.State()
	require.False(t, st.Discovering)
	require.Empty(t, st.Discovered)
}

func TestTeardownWhileAdvertiseStarting(t *testing.T) {
	o, port := startSlowRadio(t)
	ctx := context.Background()

	require.NoError(t, o.StartHosting(ctx))
	require.NoError(t, o.Teardown(ctx))

	require.Eventually(t, func() bool {
		starts, stops, _ := port.counts()
		return starts == 1 && stops == 1
	}, waitFor, tick)
	settle(t, o, port.scriptedPort)

	_, _, on := port.counts()
	require.False(t, on)
	st := o.State()
	require.False(t, st.Advertising)
	require.Equal(t, RoleUndetermined, st.Role)
}
