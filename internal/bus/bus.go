// Package bus carries UI-directed events from the session loop to whichever
// surface is currently showing.
//
// Each event family (dialogs, navigation) has one consumer and a slot of
// depth one. Publishing never blocks: when the slot still holds an
// undelivered event, the older one is dropped and the newer one takes its
// place. A superseding dialog therefore always wins over a stale one, and a
// dialog never evicts a navigation event or the other way round.
package bus

import (
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bus")

// Route names a screen the UI can navigate to.
type Route string

const (
	RouteChoice Route = "choice" // host / discover selection
	RouteChat   Route = "chat"
)

// Decision is the user's answer to a dialog.
type Decision int

const (
	Accept Decision = iota + 1
	Cancel
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Cancel:
		return "cancel"
	}
	return "unknown"
}

// ParseDecision maps "accept"/"cancel" (and "yes"/"no") to a Decision.
func ParseDecision(s string) (Decision, bool) {
	switch s {
	case "accept", "yes", "ok":
		return Accept, true
	case "cancel", "no":
		return Cancel, true
	}
	return 0, false
}

// Event is one of ShowDialog, HideDialog, NavigateTo, NavigateBack.
type Event interface {
	family() family
}

// ShowDialog asks the UI to show a modal. The answer goes back to the
// session as a Decision tagged with ID. Without Cancelable the dialog only
// has an OK action.
type ShowDialog struct {
	ID         uint64 `json:"id"`
	Message    string `json:"message"`
	Cancelable bool   `json:"cancelable"`
}

// HideDialog dismisses the dialog with the given ID if it is still shown.
type HideDialog struct {
	ID uint64 `json:"id"`
}

type NavigateTo struct {
	Target Route `json:"target"`
}

type NavigateBack struct{}

type family int

const (
	familyDialog family = iota
	familyNav
)

func (ShowDialog) family() family   { return familyDialog }
func (HideDialog) family() family   { return familyDialog }
func (NavigateTo) family() family   { return familyNav }
func (NavigateBack) family() family { return familyNav }

// Kind returns a short tag for e, used in JSON envelopes and logs.
func Kind(e Event) string {
	switch e.(type) {
	case ShowDialog:
		return "show_dialog"
	case HideDialog:
		return "hide_dialog"
	case NavigateTo:
		return "navigate_to"
	case NavigateBack:
		return "navigate_back"
	}
	return "unknown"
}

type slot struct {
	mu sync.Mutex
	ch chan Event
}

func (s *slot) put(e Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- e:
		return false
	default:
	}
	// The consumer may have drained the slot in between.
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	s.ch <- e
	return dropped
}

type Bus struct {
	dialogs slot
	nav     slot
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{
		dialogs: slot{ch: make(chan Event, 1)},
		nav:     slot{ch: make(chan Event, 1)},
	}
}

// Publish hands e to its family's consumer without blocking.
func (b *Bus) Publish(e Event) {
	s := &b.dialogs
	if e.family() == familyNav {
		s = &b.nav
	}
	if s.put(e) {
		b.dropped.Add(1)
		log.Debugw("dropped superseded event", "kind", Kind(e))
	}
}

// Dialogs delivers ShowDialog and HideDialog events.
func (b *Bus) Dialogs() <-chan Event { return b.dialogs.ch }

// Navigation delivers NavigateTo and NavigateBack events.
func (b *Bus) Navigation() <-chan Event { return b.nav.ch }

// Dropped counts events superseded before delivery.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
