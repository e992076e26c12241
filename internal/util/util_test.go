package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	require.Equal(t, filepath.Join("peer", "data/x.db"), ResolvePath("peer", "data/x.db"))
	abs := filepath.Join(t.TempDir(), "x.db")
	require.Equal(t, abs, ResolvePath("peer", abs))
}

func TestWriteJSONFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "cfg.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 1}))
	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 2}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, 2, got["n"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file left behind")
}

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing[int](3)
	require.Empty(t, r.Snapshot())
	for i := 1; i <= 5; i++ {
		require.Equal(t, uint64(i), r.Push(i))
	}
	require.Equal(t, 3, r.Len())
	require.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRingSince(t *testing.T) {
	r := NewRing[string](4)
	r.Push("a")
	r.Push("b")
	seq := r.Push("c")

	got, last := r.Since(seq)
	require.Empty(t, got)
	require.Equal(t, seq, last)

	r.Push("d")
	r.Push("e")
	got, last = r.Since(seq)
	require.Equal(t, []string{"d", "e"}, got)
	require.Equal(t, uint64(5), last)

	// a reader that fell behind gets what is still retained
	got, _ = r.Since(0)
	require.Equal(t, []string{"b", "c", "d", "e"}, got)
}
