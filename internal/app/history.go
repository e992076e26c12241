package app

import (
	"context"

	"github.com/petervdpas/nearchat/internal/session"
	"github.com/petervdpas/nearchat/internal/storage"
)

// recordHistory notes every peer the session connects with.
func recordHistory(ctx context.Context, sess *session.Orchestrator, db *storage.DB) {
	peers := sess.ConnectedPeers()
	ch := peers.Subscribe()
	defer peers.Unsubscribe(ch)

	seen := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case "update":
				if seen[ev.EndpointID] || ev.Peer == nil {
					continue
				}
				seen[ev.EndpointID] = true
				role := sess.State().Role.String()
				if err := db.RecordConnection(ev.EndpointID, ev.Peer.Name, role); err != nil {
					log.Warnw("record connection", "peer", ev.EndpointID, "err", err)
				}
			case "remove":
				delete(seen, ev.EndpointID)
			case "clear":
				clear(seen)
			}
		}
	}
}
