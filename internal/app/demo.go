package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/console"
	"github.com/petervdpas/nearchat/internal/identity"
	"github.com/petervdpas/nearchat/internal/session"
	"github.com/petervdpas/nearchat/internal/transport"

	"github.com/google/uuid"
)

const demoStepTimeout = 5 * time.Second

// DemoOptions controls RunDemo.
type DemoOptions struct {
	Out   io.Writer
	Plain bool
}

type demoPeer struct {
	name string
	port *transport.Loopback
	sess *session.Orchestrator
	cons *console.Console
	bus  *bus.Bus
}

// autoAccept answers connection requests on the host's behalf and shows
// every event on the console.
type autoAccept struct {
	ctx  context.Context
	sess *session.Orchestrator
	next Sink
}

func (a autoAccept) Publish(e bus.Event) {
	a.next.Publish(e)
	if d, ok := e.(bus.ShowDialog); ok && d.Cancelable {
		if err := a.sess.Resolve(a.ctx, d.ID, bus.Accept); err != nil {
			log.Debugw("auto accept", "err", err)
		}
	}
}

// RunDemo plays a host and a guest against each other over an in-process
// radio: discovery, a connection request, a short chat, a rename, and the
// link going away.
func RunDemo(ctx context.Context, opt DemoOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := &lockedWriter{w: opt.Out}

	radio := transport.NewNetwork()
	var wg sync.WaitGroup
	start := func(name string) *demoPeer {
		p := &demoPeer{name: name, port: radio.Join(strings.ToLower(name) + "-" + uuid.NewString()[:8]), bus: bus.New()}
		self := identity.Local{ID: uuid.NewString(), DisplayName: name}
		p.sess = session.New(p.port, p.bus, self, nil, session.Options{})
		p.cons = console.New(p.sess, strings.NewReader(""), &prefixWriter{prefix: fmt.Sprintf("[%-5s] ", name), w: out}, console.Options{Plain: opt.Plain})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.sess.Run(ctx)
		}()
		return p
	}
	alice, bob := start("Alice"), start("Bob")
	defer func() {
		cancel()
		wg.Wait()
		_ = alice.port.Close()
		_ = bob.port.Close()
	}()

	for _, p := range []*demoPeer{alice, bob} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.cons.Follow(ctx)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		Dispatch(ctx, alice.bus, autoAccept{ctx: ctx, sess: alice.sess, next: alice.cons})
	}()
	go func() {
		defer wg.Done()
		Dispatch(ctx, bob.bus, bob.cons)
	}()

	steps := []struct {
		peer *demoPeer
		line string
		done func() bool
	}{
		{alice, "/host", func() bool { return alice.sess.State().Advertising }},
		{bob, "/discover", func() bool { return len(bob.sess.State().Discovered) > 0 }},
		{bob, "/peers", nil},
		{bob, "/connect 1", func() bool { return len(alice.sess.State().Connected) == 1 && len(bob.sess.State().Connected) == 1 }},
		{bob, "hi Alice", func() bool { return len(alice.sess.Messages()) == 1 }},
		{alice, "welcome, Bob", func() bool { return len(bob.sess.Messages()) == 2 }},
		{bob, "/name Bobby", nil},
		{bob, "I go by Bobby now", func() bool {
			return lastName(alice.sess.Messages(), 0) == "Bobby" && len(bob.sess.Messages()) == 3
		}},
	}
	for _, s := range steps {
		fmt.Fprintf(out, "[%-5s] > %s\n", s.peer.name, s.line)
		if err := s.peer.cons.Exec(ctx, s.line); err != nil {
			return fmt.Errorf("%s: %s: %w", s.peer.name, s.line, err)
		}
		if s.done != nil {
			if err := waitUntil(ctx, s.done); err != nil {
				return fmt.Errorf("%s: %s: %w", s.peer.name, s.line, err)
			}
		}
	}

	fmt.Fprintln(out, "--- radio link lost ---")
	radio.Sever(alice.port.ID(), bob.port.ID())
	if err := waitUntil(ctx, func() bool { return len(bob.sess.State().Connected) == 0 }); err != nil {
		return err
	}
	// let the last dialogs reach the consoles
	time.Sleep(100 * time.Millisecond)

	fmt.Fprintf(out, "host log has %d messages, guest log has %d\n", len(alice.sess.Messages()), len(bob.sess.Messages()))
	return nil
}

func lastName(msgs []chat.Message, i int) string {
	if i >= len(msgs) {
		return ""
	}
	return msgs[i].DisplayName
}

func waitUntil(ctx context.Context, cond func() bool) error {
	deadline := time.NewTimer(demoStepTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out after %s", demoStepTimeout)
		case <-tick.C:
		}
	}
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// prefixWriter tags every line with the peer it came from.
type prefixWriter struct {
	prefix string
	w      io.Writer
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	var buf bytes.Buffer
	for _, line := range strings.SplitAfter(string(b), "\n") {
		if line == "" {
			continue
		}
		buf.WriteString(p.prefix)
		buf.WriteString(line)
	}
	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(b), nil
}
