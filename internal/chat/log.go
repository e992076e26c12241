package chat

import (
	"slices"
	"sync"
)

// Log is the ordered chat history. On a host it is authoritative; on a guest
// it only ever holds the last snapshot received. Reads are safe from any
// goroutine; writes come from the session loop.
type Log struct {
	mu        sync.RWMutex
	entries   []Message
	listeners []chan []Message
}

func NewLog() *Log {
	return &Log{
		entries:   make([]Message, 0),
		listeners: make([]chan []Message, 0),
	}
}

// AppendAndCorrect appends m and rewrites the display name of every entry
// from the same sender, the new one included. It returns the resulting log.
func (l *Log) AppendAndCorrect(m Message) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, m)
	for i := range l.entries {
		if l.entries[i].SenderID == m.SenderID {
			l.entries[i].DisplayName = m.DisplayName
		}
	}
	snap := slices.Clone(l.entries)
	l.notifyListeners(snap)
	return snap
}

// Replace swaps the whole log for a snapshot. No merge.
func (l *Log) Replace(ms []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = slices.Clone(ms)
	if l.entries == nil {
		l.entries = make([]Message, 0)
	}
	l.notifyListeners(slices.Clone(l.entries))
}

// Snapshot returns a copy of the log in arrival order.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe returns a channel that receives the log after every change.
// Slow listeners miss intermediate states, never the newest.
func (l *Log) Subscribe() <-chan []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan []Message, 10)
	l.listeners = append(l.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (l *Log) Unsubscribe(ch <-chan []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, listener := range l.listeners {
		if listener == ch {
			close(listener)
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners must be called with mu held.
func (l *Log) notifyListeners(snap []Message) {
	for _, ch := range l.listeners {
		select {
		case ch <- snap:
		default:
			// full: drop the stale state, keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
