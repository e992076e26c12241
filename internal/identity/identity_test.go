package identity

import (
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesOnceAndPersists(t *testing.T) {
	backends := map[string]func(t *testing.T, dir string) Store{
		BackendSQLite: func(t *testing.T, dir string) Store {
			s, err := Open(BackendSQLite, dir, "", nil)
			require.NoError(t, err)
			return s
		},
		BackendBolt: func(t *testing.T, dir string) Store {
			s, err := Open(BackendBolt, dir, filepath.Join(dir, "data", "identity.bolt"), nil)
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			s := open(t, dir)
			first, err := Load(s, "Nick")
			require.NoError(t, err)
			require.NoError(t, s.Close())

			require.Regexp(t, regexp.MustCompile(`^Nick\d{1,3}$`), first.DisplayName)
			require.NotEmpty(t, first.ID)

			s = open(t, dir)
			defer s.Close()
			second, err := Load(s, "Nick")
			require.NoError(t, err)
			require.Equal(t, first, second)

			require.NoError(t, s.SetDisplayName("Alice"))
			third, err := Load(s, "Nick")
			require.NoError(t, err)
			require.Equal(t, first.ID, third.ID)
			require.Equal(t, "Alice", third.DisplayName)
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	n, err := ValidateDisplayName("  Bobby ")
	require.NoError(t, err)
	require.Equal(t, "Bobby", n)

	for _, bad := range []string{"", "   ", "a\nb", strings.Repeat("x", MaxNameLen+1)} {
		_, err := ValidateDisplayName(bad)
		require.ErrorIs(t, err, ErrInvalidName, bad)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir(), "", nil)
	require.Error(t, err)
}
