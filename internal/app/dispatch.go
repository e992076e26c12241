package app

import (
	"context"

	"github.com/petervdpas/nearchat/internal/bus"
)

// Sink is a surface that shows bus events: the console, the viewer.
type Sink interface {
	Publish(bus.Event)
}

// Dispatch is the single consumer of both bus families and fans every
// event out to the sinks, until ctx ends.
func Dispatch(ctx context.Context, b *bus.Bus, sinks ...Sink) {
	for {
		var e bus.Event
		select {
		case <-ctx.Done():
			return
		case e = <-b.Dialogs():
		case e = <-b.Navigation():
		}
		log.Debugw("ui event", "kind", bus.Kind(e))
		for _, s := range sinks {
			s.Publish(e)
		}
	}
}
