package session

import (
	"slices"
	"time"

	"github.com/petervdpas/nearchat/internal/bus"

	"github.com/samber/lo"
)

const msgDiscoveryUnavailable = "Turn on wifi and location"

func msgCreatedEndpoint(name string) string { return "Created endpoint with name " + name }
func msgConnectRequest(name string) string  { return "Do you want to connect with " + name }
func msgWaitDecision(name string) string    { return "Wait decision from " + name }
func msgConnected(name string) string       { return "Successfully connect with " + name }
func msgRejected(name string) string        { return "Reject connect with " + name }
func msgDisconnected(name string) string    { return "Disconnect with " + name }

// action is what a dialog answer does once it is back on the loop.
type action int

const (
	actHide action = iota
	actAcceptConnection
	actRejectConnection
	actNavigateBack
)

type dialog struct {
	event      bus.ShowDialog
	endpointID string // empty for notices not tied to a connection
	onAccept   action
	onCancel   action
	timer      *time.Timer
}

func (d *dialog) isNotice() bool {
	return d.endpointID == "" && d.onAccept == actHide && d.onCancel == actHide
}

// notice shows an informational dialog with a single OK action.
func (o *Orchestrator) notice(msg string) {
	o.show("", msg, false, actHide, actHide)
}

// showDecision shows a dialog bound to an endpoint's negotiation. A newer
// one for the same endpoint replaces the old one.
func (o *Orchestrator) showDecision(endpointID, msg string, cancelable bool, onAccept, onCancel action) {
	if old, ok := o.byEndpoint[endpointID]; ok {
		o.removeDialog(old)
	}
	id := o.show(endpointID, msg, cancelable, onAccept, onCancel)
	o.byEndpoint[endpointID] = id

	if cancelable && o.opts.DecisionTimeout > 0 {
		o.dialogs[id].timer = time.AfterFunc(o.opts.DecisionTimeout, func() {
			select {
			case o.cmds <- resolveCmd{dialogID: id, decision: bus.Cancel}:
			case <-o.done:
			}
		})
	}
}

func (o *Orchestrator) show(endpointID, msg string, cancelable bool, onAccept, onCancel action) uint64 {
	// A new dialog covers any pending notice; those have nothing left to do.
	for id, d := range o.dialogs {
		if d.isNotice() {
			delete(o.dialogs, id)
		}
	}

	o.nextDialog++
	d := &dialog{
		event:      bus.ShowDialog{ID: o.nextDialog, Message: msg, Cancelable: cancelable},
		endpointID: endpointID,
		onAccept:   onAccept,
		onCancel:   onCancel,
	}
	o.dialogs[d.event.ID] = d
	o.syncOpenDialogs()
	o.bus.Publish(d.event)
	return d.event.ID
}

func (o *Orchestrator) resolve(id uint64, decision bus.Decision) {
	d, ok := o.dialogs[id]
	if !ok {
		log.Debugw("ignoring answer to unknown dialog", "dialog", id)
		return
	}
	o.removeDialog(id)

	act := d.onAccept
	if decision == bus.Cancel && d.event.Cancelable {
		act = d.onCancel
	}
	log.Debugw("dialog answered", "dialog", id, "decision", decision, "endpoint", d.endpointID)

	o.bus.Publish(bus.HideDialog{ID: id})
	switch act {
	case actAcceptConnection:
		if err := o.port.AcceptConnection(d.endpointID); err != nil {
			log.Warnw("accept failed", "endpoint", d.endpointID, "err", err)
			o.notice(err.Error())
		}
	case actRejectConnection:
		if err := o.port.RejectConnection(d.endpointID); err != nil {
			log.Warnw("reject failed", "endpoint", d.endpointID, "err", err)
		}
	case actNavigateBack:
		o.bus.Publish(bus.NavigateBack{})
	}
}

// dropDecision withdraws the pending decision for an endpoint, if any.
func (o *Orchestrator) dropDecision(endpointID string) {
	id, ok := o.byEndpoint[endpointID]
	if !ok {
		return
	}
	o.removeDialog(id)
	o.bus.Publish(bus.HideDialog{ID: id})
}

func (o *Orchestrator) removeDialog(id uint64) {
	d, ok := o.dialogs[id]
	if !ok {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(o.dialogs, id)
	if o.byEndpoint[d.endpointID] == id {
		delete(o.byEndpoint, d.endpointID)
	}
	o.syncOpenDialogs()
}

func (o *Orchestrator) cancelTimers() {
	for _, d := range o.dialogs {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
}

func (o *Orchestrator) syncOpenDialogs() {
	open := lo.Map(lo.Values(o.dialogs), func(d *dialog, _ int) bus.ShowDialog { return d.event })
	slices.SortFunc(open, func(a, b bus.ShowDialog) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	o.mu.Lock()
	o.openDialogs = open
	o.mu.Unlock()
}
