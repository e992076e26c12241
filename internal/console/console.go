// Package console is a line-oriented terminal front end for a session.
// Lines starting with a slash are commands; anything else is sent as a chat
// message.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/session"
	"github.com/petervdpas/nearchat/internal/storage"

	"github.com/gookit/color"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("console")

// errQuit ends Run without an error.
var errQuit = errors.New("quit")

type Session interface {
	State() session.State
	Messages() []chat.Message
	OwnsMessage(chat.Message) bool
	ChatLog() *chat.Log

	StartHosting(ctx context.Context) error
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	RequestConnection(ctx context.Context, endpointID string) error
	Resolve(ctx context.Context, dialogID uint64, d bus.Decision) error
	SendMessage(ctx context.Context, text string) error
	UpdateDisplayName(ctx context.Context, name string) error
	Teardown(ctx context.Context) error
}

type Options struct {
	// History lists previously connected peers. Nil disables /history.
	History func(limit int) ([]storage.PeerRecord, error)
	// Plain disables ANSI colors.
	Plain bool
}

var (
	styleSelf   = color.New(color.FgGreen, color.OpBold)
	stylePeer   = color.New(color.FgCyan, color.OpBold)
	styleAsk    = color.New(color.FgYellow, color.OpBold)
	styleNotice = color.New(color.FgMagenta)
	styleErr    = color.New(color.FgRed)
	styleDim    = color.New(color.FgGray)
)

type Console struct {
	sess Session
	in   io.Reader
	opts Options

	mu      sync.Mutex // serializes writes to out
	out     io.Writer
	printed int // chat lines already shown
	shown   map[uint64]bool
}

func New(sess Session, in io.Reader, out io.Writer, opts Options) *Console {
	return &Console{sess: sess, in: in, out: out, opts: opts, shown: map[uint64]bool{}}
}

func (c *Console) paint(st color.Style, s string) string {
	if c.opts.Plain {
		return s
	}
	return st.Sprint(s)
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

// Run reads commands until in is exhausted, /quit, or ctx ends.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Follow(ctx)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.println(c.paint(styleDim, "type /help for commands"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := c.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.println(c.paint(styleErr, "error: "+err.Error()))
			}
		}
	}
}

// Exec runs one input line.
func (c *Console) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.sess.SendMessage(ctx, line); err != nil {
			return err
		}
		c.syncChat()
		return nil
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "help", "h", "?":
		c.help()
		return nil
	case "host":
		return c.sess.StartHosting(ctx)
	case "discover":
		return c.sess.StartDiscovery(ctx)
	case "stop":
		return c.sess.StopDiscovery(ctx)
	case "peers":
		c.peers()
		return nil
	case "connect":
		return c.connect(ctx, arg)
	case "yes", "ok", "y":
		return c.answer(ctx, bus.Accept)
	case "no", "n":
		return c.answer(ctx, bus.Cancel)
	case "name":
		if arg == "" {
			c.println("you are " + c.paint(styleSelf, c.sess.State().Self.DisplayName))
			return nil
		}
		return c.sess.UpdateDisplayName(ctx, arg)
	case "leave":
		return c.sess.Teardown(ctx)
	case "state":
		c.status()
		return nil
	case "history":
		return c.history()
	case "quit", "exit", "q":
		return errQuit
	}
	return fmt.Errorf("unknown command /%s", cmd)
}

func (c *Console) help() {
	c.println(strings.Join([]string{
		"/host               advertise and host a chat",
		"/discover, /stop    browse for hosts nearby",
		"/peers              list discovered and connected peers",
		"/connect <n|id>     ask a discovered host to connect",
		"/yes, /no           answer the open dialog",
		"/name [new name]    show or change your display name",
		"/leave              stop hosting and disconnect",
		"/state              show the session state",
		"/history            peers connected before",
		"/quit",
		"anything else is sent as a message",
	}, "\n"))
}

func (c *Console) connect(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: /connect <n|endpoint>")
	}
	id := arg
	if n, err := strconv.Atoi(arg); err == nil {
		disc := c.sess.State().Discovered
		if n < 1 || n > len(disc) {
			return fmt.Errorf("no discovered peer #%d", n)
		}
		id = disc[n-1].EndpointID
	}
	return c.sess.RequestConnection(ctx, id)
}

// answer resolves the newest open dialog, preferring one that asks a
// question over plain notices.
func (c *Console) answer(ctx context.Context, d bus.Decision) error {
	open := c.sess.State().Dialogs
	if len(open) == 0 {
		return errors.New("nothing to answer")
	}
	pick := open[len(open)-1]
	for i := len(open) - 1; i >= 0; i-- {
		if open[i].Cancelable {
			pick = open[i]
			break
		}
	}
	return c.sess.Resolve(ctx, pick.ID, d)
}

func (c *Console) status() {
	st := c.sess.State()
	flags := []string{"role " + st.Role.String()}
	if st.Advertising {
		flags = append(flags, "advertising")
	}
	if st.Discovering {
		flags = append(flags, "discovering")
	}
	c.println(fmt.Sprintf("%s (%s): %s, %d connected",
		c.paint(styleSelf, st.Self.DisplayName), st.Self.ID, strings.Join(flags, ", "), len(st.Connected)))
}

// Publish renders a bus event.
func (c *Console) Publish(e bus.Event) {
	switch e := e.(type) {
	case bus.ShowDialog:
		c.showDialog(e)
	case bus.HideDialog:
		log.Debugw("dialog closed", "dialog", e.ID)
		c.showMissed()
	case bus.NavigateTo:
		c.println(c.paint(styleDim, "--- "+string(e.Target)+" ---"))
		if e.Target == bus.RouteChat {
			c.syncChat()
		}
	case bus.NavigateBack:
		c.println(c.paint(styleDim, "--- back ---"))
	}
}

func (c *Console) showDialog(d bus.ShowDialog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shown[d.ID] {
		c.printDialog(d)
	}
}

// showMissed prints open dialogs whose ShowDialog was superseded on the bus
// before it got here, and forgets the ones that closed.
func (c *Console) showMissed() {
	open := c.sess.State().Dialogs
	c.mu.Lock()
	defer c.mu.Unlock()
	still := make(map[uint64]bool, len(open))
	for _, d := range open {
		if !c.shown[d.ID] {
			c.printDialog(d)
		}
		still[d.ID] = true
	}
	c.shown = still
}

func (c *Console) printDialog(d bus.ShowDialog) {
	c.shown[d.ID] = true
	if d.Cancelable {
		fmt.Fprintln(c.out, c.paint(styleAsk, "[?] "+d.Message)+c.paint(styleDim, "  (/yes or /no)"))
	} else {
		fmt.Fprintln(c.out, c.paint(styleNotice, "[!] "+d.Message)+c.paint(styleDim, "  (/ok)"))
	}
}

// Follow prints chat lines as the replicated log changes, until ctx ends.
// Run starts it; callers driving the console through Exec start it
// themselves.
func (c *Console) Follow(ctx context.Context) {
	l := c.sess.ChatLog()
	ch := l.Subscribe()
	defer l.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			c.syncChat()
		}
	}
}

// syncChat prints lines not shown yet. When a snapshot rewrote history (a
// rename, or a host replacing the log) the whole log is shown again.
func (c *Console) syncChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.sess.Messages()
	from := c.printed
	if len(msgs) < c.printed {
		fmt.Fprintln(c.out, c.paint(styleDim, "--- chat replaced ---"))
		from = 0
	}
	for _, m := range msgs[from:] {
		fmt.Fprintln(c.out, c.formatMessage(m))
	}
	c.printed = len(msgs)
}

func (c *Console) formatMessage(m chat.Message) string {
	if c.sess.OwnsMessage(m) {
		return c.paint(styleSelf, m.DisplayName+" (you)") + ": " + m.Text
	}
	return c.paint(stylePeer, m.DisplayName) + ": " + m.Text
}
