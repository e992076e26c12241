package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewerDialogSupersedesUndelivered(t *testing.T) {
	b := New()
	b.Publish(ShowDialog{ID: 1, Message: "first"})
	b.Publish(ShowDialog{ID: 2, Message: "second"})

	require.Equal(t, ShowDialog{ID: 2, Message: "second"}, <-b.Dialogs())
	require.EqualValues(t, 1, b.Dropped())

	select {
	case e := <-b.Dialogs():
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestFamiliesDoNotEvictEachOther(t *testing.T) {
	b := New()
	b.Publish(NavigateTo{Target: RouteChat})
	b.Publish(ShowDialog{ID: 1, Message: "hello"})
	b.Publish(HideDialog{ID: 1})

	require.Equal(t, NavigateTo{Target: RouteChat}, <-b.Navigation())
	require.Equal(t, HideDialog{ID: 1}, <-b.Dialogs())
	require.EqualValues(t, 1, b.Dropped())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					b.Publish(ShowDialog{ID: uint64(p*1000 + i)})
					b.Publish(NavigateBack{})
				}
			}(p)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked with no consumer")
	}
	require.Len(t, b.Dialogs(), 1)
	require.Len(t, b.Navigation(), 1)
}

func TestKindAndDecision(t *testing.T) {
	require.Equal(t, "show_dialog", Kind(ShowDialog{}))
	require.Equal(t, "navigate_back", Kind(NavigateBack{}))

	d, ok := ParseDecision("yes")
	require.True(t, ok)
	require.Equal(t, Accept, d)
	d, ok = ParseDecision("cancel")
	require.True(t, ok)
	require.Equal(t, Cancel, d)
	_, ok = ParseDecision("maybe")
	require.False(t, ok)
	require.Equal(t, "accept", Accept.String())
}
