package viewer

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/identity"
	"github.com/petervdpas/nearchat/internal/session"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var validate = validator.New()

type sendRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

type connectRequest struct {
	EndpointID string `json:"endpoint_id" validate:"required"`
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=accept cancel yes no ok"`
}

type nameRequest struct {
	Name string `json:"name" validate:"required"`
}

type messageView struct {
	chat.Message
	Own bool `json:"own"`
}

func (s *Server) messages() []messageView {
	msgs := s.sess.Messages()
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = messageView{Message: m, Own: s.sess.OwnsMessage(m)}
	}
	return out
}

// GET /api/state
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sess.State())
}

// GET /api/messages
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.messages())
}

// POST /api/messages {"text": "..."}
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	if err := s.sess.SendMessage(r.Context(), req.Text); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

// POST /api/host
func (s *Server) postHost(w http.ResponseWriter, r *http.Request) {
	reply(w, s.sess.StartHosting(r.Context()))
}

// POST /api/discovery
func (s *Server) postDiscovery(w http.ResponseWriter, r *http.Request) {
	reply(w, s.sess.StartDiscovery(r.Context()))
}

// DELETE /api/discovery
func (s *Server) deleteDiscovery(w http.ResponseWriter, r *http.Request) {
	reply(w, s.sess.StopDiscovery(r.Context()))
}

// POST /api/connect {"endpoint_id": "..."}
func (s *Server) postConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	reply(w, s.sess.RequestConnection(r.Context(), req.EndpointID))
}

// POST /api/dialogs/{id} {"decision": "accept"|"cancel"}
func (s *Server) postDecision(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid dialog id", http.StatusBadRequest)
		return
	}
	var req decisionRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	d, _ := bus.ParseDecision(req.Decision)
	reply(w, s.sess.Resolve(r.Context(), id, d))
}

// POST /api/name {"name": "..."}
func (s *Server) postName(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if decodeJSON(w, r, &req) != nil {
		return
	}
	reply(w, s.sess.UpdateDisplayName(r.Context(), req.Name))
}

// POST /api/teardown
func (s *Server) postTeardown(w http.ResponseWriter, r *http.Request) {
	reply(w, s.sess.Teardown(r.Context()))
}

// GET /api/history?limit=N
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.Error(w, "history not available", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.opts.History(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, recs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func reply(w http.ResponseWriter, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

// decodeJSON reads and validates a request body. On failure it has already
// written the response.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return err
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, identity.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNoSession):
		status = http.StatusConflict
	case errors.Is(err, session.ErrStopped):
		status = http.StatusServiceUnavailable
	default:
		log.Warnw("request failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}
