package session

// linkView exposes the session's links to the chat manager. Only used from
// the Run goroutine.
type linkView struct{ o *Orchestrator }

func (v linkView) Connected() []string {
	return v.o.connected.IDs()
}

// Host returns the link this device dialled out on. In a star a guest has
// exactly one.
func (v linkView) Host() (string, bool) {
	for _, id := range v.o.connected.IDs() {
		if l := v.o.links[id]; l != nil && l.connected && !l.incoming {
			return id, true
		}
	}
	return "", false
}

func (v linkView) Send(endpointID string, payload []byte) error {
	return v.o.port.Send(endpointID, payload)
}
