package viewer

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/petervdpas/nearchat/internal/util"

	"github.com/gorilla/websocket"
)

const (
	kindState    = "state"
	kindMessages = "messages"

	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 32
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The bridge only listens on loopback by default; any local page may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Envelope is one websocket message. Bus events carry a sequence number so
// a reconnecting client can ask for what it missed with ?since=N; state and
// message snapshots have Seq 0 and are never replayed.
type Envelope struct {
	Seq  uint64 `json:"seq,omitempty"`
	Kind string `json:"kind"`
	Data any    `json:"data,omitempty"`
}

type client struct {
	send chan Envelope
	once sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.send) }) }

type hub struct {
	mu      sync.Mutex
	replay  int
	recent  *util.Ring[Envelope]
	last    uint64
	clients map[*client]struct{}
}

func newHub(replay int) *hub {
	return &hub{
		replay:  replay,
		recent:  util.NewRing[Envelope](replay),
		clients: map[*client]struct{}{},
	}
}

// broadcast sends to every client. A client too slow to keep up is cut off
// rather than allowed to stall the others.
func (h *hub) broadcast(kind string, data any, replayable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	env := Envelope{Kind: kind, Data: data}
	if replayable {
		env.Seq = h.last + 1
		h.last = h.recent.Push(env)
	}
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			log.Debugw("dropping slow websocket client")
			delete(h.clients, c)
			c.close()
		}
	}
}

// join registers c and queues the events after since, so nothing published
// between the replay and the registration is lost.
func (h *hub) join(c *client, since uint64, initial ...Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	missed, _ := h.recent.Since(since)
	for _, env := range append(initial, missed...) {
		select {
		case c.send <- env:
		default:
		}
	}
	h.clients[c] = struct{}{}
}

func (h *hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// GET /ws?since=N
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	} else {
		// fresh clients only need events from now on
		s.hub.mu.Lock()
		since = s.hub.last
		s.hub.mu.Unlock()
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c := &client{send: make(chan Envelope, clientBuffer+s.hub.replay+2)}
	s.hub.join(c, since,
		Envelope{Kind: kindState, Data: s.sess.State()},
		Envelope{Kind: kindMessages, Data: s.messages()},
	)
	defer s.hub.leave(c)
	log.Debugw("websocket client connected", "remote", r.RemoteAddr)

	// Drain incoming frames (pongs, close) so control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case env, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
