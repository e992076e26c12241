package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/nearchat/internal/bus"
	"github.com/petervdpas/nearchat/internal/identity"
	"github.com/petervdpas/nearchat/internal/session"
	"github.com/petervdpas/nearchat/internal/storage"
	"github.com/petervdpas/nearchat/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type stateBody struct {
	Self        identity.Local `json:"self"`
	Role        string         `json:"role"`
	Advertising bool           `json:"advertising"`
	Connected   []struct {
		EndpointID string `json:"endpoint_id"`
	} `json:"connected"`
	Dialogs []bus.ShowDialog `json:"dialogs"`
}

func runSession(t *testing.T, n *transport.Network, endpointID, name string) *session.Orchestrator {
	t.Helper()
	port := n.Join(endpointID)
	o := session.New(port, bus.New(), identity.Local{ID: name + "-device", DisplayName: name}, nil, session.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = port.Close()
	})
	return o
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func getState(t *testing.T, srv *httptest.Server) stateBody {
	t.Helper()
	code, body := do(t, srv, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, code)
	var st stateBody
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	return st
}

func TestAPIValidation(t *testing.T) {
	o := runSession(t, transport.NewNetwork(), "alice-ep", "Alice")
	srv := httptest.NewServer(New(o, Options{}).Handler())
	defer srv.Close()

	st := getState(t, srv)
	require.Equal(t, "undetermined", st.Role)
	require.Equal(t, "Alice", st.Self.DisplayName)

	code, _ := do(t, srv, http.MethodPost, "/api/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusConflict, code)

	code, _ = do(t, srv, http.MethodPost, "/api/messages", `{"text":""}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, "/api/messages", `{"txt":"hi"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, "/api/dialogs/1", `{"decision":"maybe"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, "/api/name", `{"name":"bad\u0007"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, "/api/name", `{"name":"Alicia"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Alicia", getState(t, srv).Self.DisplayName)

	code, _ = do(t, srv, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, http.MethodPut, "/api/host", "")
	require.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestAPIHostAcceptsAndChats(t *testing.T) {
	ctx := context.Background()
	n := transport.NewNetwork()
	alice := runSession(t, n, "alice-ep", "Alice")
	bob := runSession(t, n, "bob-ep", "Bob")
	srv := httptest.NewServer(New(alice, Options{}).Handler())
	defer srv.Close()

	code, _ := do(t, srv, http.MethodPost, "/api/host", "")
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool { return getState(t, srv).Advertising }, waitFor, tick)

	require.NoError(t, bob.RequestConnection(ctx, "alice-ep"))
	var ask bus.ShowDialog
	require.Eventually(t, func() bool {
		for _, d := range getState(t, srv).Dialogs {
			if d.Cancelable {
				ask = d
				return true
			}
		}
		return false
	}, waitFor, tick)

	code, _ = do(t, srv, http.MethodPost, "/api/dialogs/"+strconv.FormatUint(ask.ID, 10), `{"decision":"accept"}`)
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool { return len(getState(t, srv).Connected) == 1 }, waitFor, tick)
	require.Equal(t, "host", getState(t, srv).Role)

	code, _ = do(t, srv, http.MethodPost, "/api/messages", `{"text":"welcome"}`)
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, waitFor, tick)

	_, body := do(t, srv, http.MethodGet, "/api/messages", "")
	var msgs []messageView
	require.NoError(t, json.Unmarshal([]byte(body), &msgs))
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Own)
	require.Equal(t, "Alice", msgs[0].DisplayName)
}

func TestAPIHistory(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.RecordConnection("bob-ep", "Bob", "guest"))

	o := runSession(t, transport.NewNetwork(), "alice-ep", "Alice")
	srv := httptest.NewServer(New(o, Options{History: db.PeerHistory}).Handler())
	defer srv.Close()

	code, body := do(t, srv, http.MethodGet, "/api/history?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	var recs []storage.PeerRecord
	require.NoError(t, json.Unmarshal([]byte(body), &recs))
	require.Len(t, recs, 1)
	require.Equal(t, "Bob", recs[0].Name)

	code, _ = do(t, srv, http.MethodGet, "/api/history?limit=x", "")
	require.Equal(t, http.StatusBadRequest, code)
}

func readEnvelope(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	var env Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func TestWebsocketStreamsAndReplays(t *testing.T) {
	o := runSession(t, transport.NewNetwork(), "alice-ep", "Alice")
	v := New(o, Options{})
	srv := httptest.NewServer(v.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, kindState, readEnvelope(t, c).Kind)
	require.Equal(t, kindMessages, readEnvelope(t, c).Kind)

	v.Publish(bus.NavigateTo{Target: bus.RouteChat})
	env := readEnvelope(t, c)
	require.Equal(t, "navigate_to", env.Kind)
	require.Equal(t, uint64(1), env.Seq)

	// a reconnecting client catches up from its last sequence
	c2, _, err := websocket.DefaultDialer.Dial(wsURL+"?since=0", nil)
	require.NoError(t, err)
	defer c2.Close()
	readEnvelope(t, c2)
	readEnvelope(t, c2)
	env = readEnvelope(t, c2)
	require.Equal(t, "navigate_to", env.Kind)
	require.Equal(t, map[string]any{"target": "chat"}, env.Data)
}

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write([]byte("one\ntw"))
	require.Len(t, b.Snapshot(), 1)
	_, _ = b.Write([]byte("o\r\n\nthree\n"))

	var got []string
	for _, e := range b.Snapshot() {
		got = append(got, e.Msg)
	}
	require.Equal(t, []string{"two", "three"}, got)

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	require.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`"msg":"three"`)))
}
