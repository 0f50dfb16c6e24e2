package snapshot

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/paksyncd/internal/model"
	"github.com/schaermu/paksyncd/internal/testutil"
)

var now = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func TestProvider_Capture(t *testing.T) {
	live := testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.A", "a1")}, testutil.Flathub())
	p := NewProvider(testutil.NewFlatpak(live), clockwork.NewFakeClockAt(now))

	got, err := p.Capture(context.Background())
	require.NoError(t, err)
	assert.True(t, got.AlteredAt.Equal(now))
	assert.Equal(t, live[model.ScopeUser].Refs, got.Installations[model.ScopeUser].Refs)
}

func TestProvider_CaptureQueryError(t *testing.T) {
	pm := testutil.NewFlatpak(nil)
	pm.QueryErr = errors.New("flatpak: command not found")
	p := NewProvider(pm, clockwork.NewFakeClockAt(now))

	_, err := p.Capture(context.Background())
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.ErrorIs(t, err, pm.QueryErr)
}

func TestCache_SaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := NewCache(fs, "/state/nested/cache.json")
	p := model.NewPayload(testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.A", "a1")}), now)

	require.NoError(t, c.Save(p))

	got, err := c.Load()
	require.NoError(t, err)
	assert.True(t, got.AlteredAt.Equal(now))
	assert.Equal(t, p.Installations, got.Installations)

	info, err := fs.Stat("/state/nested/cache.json")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	entries, err := afero.ReadDir(fs, "/state/nested")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestCache_LoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		write bool
		data  string
		is    error
	}{
		{name: "missing", is: os.ErrNotExist},
		{name: "empty", write: true, is: ErrEmpty},
		{name: "corrupt", write: true, data: `{"installations": [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.write {
				require.NoError(t, afero.WriteFile(fs, "/cache.json", []byte(tt.data), 0644))
			}

			_, err := NewCache(fs, "/cache.json").Load()
			var fe *FileError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, "/cache.json", fe.Path)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestCache_LoadFixture(t *testing.T) {
	// read the fixture from disk, keep writes in memory
	fs := afero.NewCopyOnWriteFs(afero.NewReadOnlyFs(afero.NewOsFs()), afero.NewMemMapFs())
	c := NewCache(fs, testutil.FixturePath(t, "payload.json"))

	p, err := c.Load()
	require.NoError(t, err)
	assert.True(t, p.AlteredAt.Equal(time.Date(2024, 5, 4, 9, 30, 0, 0, time.UTC)))
	require.Contains(t, p.Installations, model.ScopeSystem)
	assert.Equal(t, "org.gnome.Calculator", p.Installations[model.ScopeUser].Refs[0].ID)
	assert.Equal(t, "Calculator", *p.Installations[model.ScopeUser].Refs[0].Name)
	assert.Nil(t, p.Installations[model.ScopeUser].Refs[1].Name)
}

func TestLoadOrSeed(t *testing.T) {
	live := testutil.UserInstallation([]model.Ref{testutil.AppRef("org.example.A", "a1")})
	provider := NewProvider(testutil.NewFlatpak(live), clockwork.NewFakeClockAt(now))

	t.Run("seeds missing cache", func(t *testing.T) {
		c := NewCache(afero.NewMemMapFs(), "/cache.json")
		p, err := LoadOrSeed(context.Background(), c, provider, testutil.Logger())
		require.NoError(t, err)
		assert.True(t, p.AlteredAt.Equal(now))

		_, err = c.Load()
		require.NoError(t, err)
	})

	t.Run("keeps valid cache", func(t *testing.T) {
		c := NewCache(afero.NewMemMapFs(), "/cache.json")
		older := model.NewPayload(model.InstallationMap{}, now.Add(-time.Hour))
		require.NoError(t, c.Save(older))

		p, err := LoadOrSeed(context.Background(), c, provider, testutil.Logger())
		require.NoError(t, err)
		assert.True(t, p.AlteredAt.Equal(now.Add(-time.Hour)))
		assert.Empty(t, p.Installations)
	})

	t.Run("reseeds corrupt cache", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/cache.json", []byte("garbage"), 0644))
		c := NewCache(fs, "/cache.json")

		p, err := LoadOrSeed(context.Background(), c, provider, testutil.Logger())
		require.NoError(t, err)
		assert.Len(t, p.Installations[model.ScopeUser].Refs, 1)
	})

	t.Run("query failure", func(t *testing.T) {
		pm := testutil.NewFlatpak(nil)
		pm.QueryErr = errors.New("boom")
		c := NewCache(afero.NewMemMapFs(), "/cache.json")

		_, err := LoadOrSeed(context.Background(), c, NewProvider(pm, nil), testutil.Logger())
		var qe *QueryError
		assert.ErrorAs(t, err, &qe)
	})
}
