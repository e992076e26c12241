// Package viewer is a local HTTP bridge for browser front ends: a small JSON
// API over the session plus a websocket that streams dialog, navigation and
// state updates.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/session"
	"github.com/petervdpas/nearchat/internal/storage"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("viewer")

// Session is the part of the orchestrator the viewer drives.
type Session interface {
	State() session.State
	Messages() []chat.Message
	OwnsMessage(chat.Message) bool
	Watch() (<-chan struct{}, func())

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
	// History lists previously connected peers. Nil disables /api/history.
	History func(limit int) ([]storage.PeerRecord, error)
	Logs    *LogBuffer
}

type Server struct {
	sess Session
	opts Options
	hub  *hub
}

func New(sess Session, opts Options) *Server {
	return &Server{sess: sess, opts: opts, hub: newHub(64)}
}

// Publish forwards a bus event to connected websocket clients.
func (s *Server) Publish(e bus.Event) {
	s.hub.broadcast(bus.Kind(e), e, true)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	// API routes sit on the root router: a subrouter answers a wrong method
	// with 404 instead of 405.
	api := func(method, path string, h http.HandlerFunc) {
		r.Handle("/api"+path, noCache(h)).Methods(method)
	}

	api(http.MethodGet, "/state", s.getState)
	api(http.MethodGet, "/messages", s.getMessages)
	api(http.MethodPost, "/messages", s.postMessage)
	api(http.MethodPost, "/host", s.postHost)
	api(http.MethodPost, "/discovery", s.postDiscovery)
	api(http.MethodDelete, "/discovery", s.deleteDiscovery)
	api(http.MethodPost, "/connect", s.postConnect)
	api(http.MethodPost, "/dialogs/{id:[0-9]+}", s.postDecision)
	api(http.MethodPost, "/name", s.postName)
	api(http.MethodPost, "/teardown", s.postTeardown)
	api(http.MethodGet, "/history", s.getHistory)
	if s.opts.Logs != nil {
		api(http.MethodGet, "/logs", s.opts.Logs.ServeLogsJSON)
		api(http.MethodGet, "/logs/stream", s.opts.Logs.ServeLogsSSE)
	}

	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	return r
}

// Run pushes state snapshots to websocket clients whenever the session
// changes, until ctx ends.
func (s *Server) Run(ctx context.Context) {
	changed, stop := s.sess.Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			s.hub.closeAll()
			return
		case <-changed:
			s.hub.broadcast(kindState, s.sess.State(), false)
			s.hub.broadcast(kindMessages, s.messages(), false)
		}
	}
}

// ListenAndServe serves the bridge on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Infow("viewer listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
