package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/nearchat/internal/util"
)

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer keeps recent log lines for the browser. It is an io.Writer so
// the app can feed it from the logging pipe.
type LogBuffer struct {
	lines *util.Ring[LogEntry]

	mu      sync.Mutex
	partial bytes.Buffer
	notify  chan struct{} // closed and replaced on every new line
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		lines:  util.NewRing[LogEntry](max),
		notify: make(chan struct{}),
	}
}

// Write splits p into lines; a trailing partial line waits for the rest.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	added := false
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.lines.Push(LogEntry{TS: time.Now(), Msg: line})
		added = true
	}
	if added {
		close(b.notify)
		b.notify = make(chan struct{})
	}
	return len(p), nil
}

func (b *LogBuffer) Snapshot() []LogEntry { return b.lines.Snapshot() }

func (b *LogBuffer) waitCh() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify
}

// GET /api/logs
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.Snapshot())
}

// GET /api/logs/stream tails the buffer as server-sent events. A client
// that reconnects with Last-Event-ID resumes where it stopped.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Connection", "keep-alive")

	_, seq := b.lines.Since(^uint64(0))
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			seq = n
		}
	}

	for {
		wait := b.waitCh()
		entries, last := b.lines.Since(seq)
		first := last - uint64(len(entries)) + 1
		for i, e := range entries {
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", first+uint64(i), data)
		}
		if len(entries) > 0 {
			flusher.Flush()
		}
		seq = last

		select {
		case <-r.Context().Done():
			return
		case <-wait:
		}
	}
}
