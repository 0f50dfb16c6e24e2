package secret

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	s := NewKeyringStore("paksyncd-test")

	_, err := s.Get("github-gists-secret")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("github-gists-secret", "token"))
	v, err := s.Get("github-gists-secret")
	require.NoError(t, err)
	require.Equal(t, "token", v)

	require.NoError(t, s.Delete("github-gists-secret"))
	require.NoError(t, s.Delete("github-gists-secret"))
	_, err = s.Get("github-gists-secret")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, "/state/secrets.json")

	_, err := s.Get("a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("a", "one"))
	require.NoError(t, s.Set("b", "two"))

	reopened := NewFileStore(fs, "/state/secrets.json")
	v, err := reopened.Get("a")
	require.NoError(t, err)
	require.Equal(t, "one", v)

	info, err := fs.Stat("/state/secrets.json")
	require.NoError(t, err)
	require.Equal(t, "-rw-------", info.Mode().Perm().String())

	require.NoError(t, reopened.Delete("a"))
	_, err = reopened.Get("a")
	require.ErrorIs(t, err, ErrNotFound)
	v, err = reopened.Get("b")
	require.NoError(t, err)
	require.Equal(t, "two", v)
}

func TestFileStore_Corrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/s.json", []byte("{nope"), 0600))

	_, err := NewFileStore(fs, "/s.json").Get("a")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestNew(t *testing.T) {
	s, err := New(BackendFile, afero.NewMemMapFs(), "/s.json")
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)

	s, err = New(BackendKeyring, nil, "")
	require.NoError(t, err)
	require.IsType(t, &KeyringStore{}, s)

	_, err = New("vault", nil, "")
	require.Error(t, err)
}
