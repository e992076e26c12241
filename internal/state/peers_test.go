package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerSetUniqueness(t *testing.T) {
	s := NewPeerSet()
	require.True(t, s.Upsert("e1", "Alice"))
	require.False(t, s.Upsert("e1", "Alice"))
	require.False(t, s.Upsert("e1", "Alicia"))
	require.True(t, s.Upsert("e2", "Bob"))

	require.Equal(t, 2, s.Len())
	require.Equal(t, []string{"e1", "e2"}, s.IDs())
	p, ok := s.Get("e1")
	require.True(t, ok)
	require.Equal(t, "Alicia", p.Name)
}

func TestPeerSetRemoveAndClear(t *testing.T) {
	s := NewPeerSet()
	s.Upsert("e1", "A")
	s.Upsert("e2", "B")

	require.True(t, s.Remove("e1"))
	require.False(t, s.Remove("e1"))
	require.False(t, s.Has("e1"))

	require.Equal(t, []string{"e2"}, s.Clear())
	require.Zero(t, s.Len())
	require.Empty(t, s.Clear())
}

func TestPeerSetNotifies(t *testing.T) {
	s := NewPeerSet()
	ch := s.Subscribe()

	s.Upsert("e1", "A")
	s.Upsert("e1", "A") // no change, no event
	s.Remove("e1")

	evt := <-ch
	require.Equal(t, "update", evt.Type)
	require.Equal(t, "A", evt.Peer.Name)
	evt = <-ch
	require.Equal(t, "remove", evt.Type)
	require.Len(t, ch, 0)

	s.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}
