// Package snapshot captures the local package set and persists it as the
// local snapshot cache.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/schaermu/paksyncd/internal/model"
)

// QueryError reports a failure to read installations from the package manager
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("failed to query installations: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// FileError reports a failure to read or write the cache file
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("cache file %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// ErrEmpty is returned when the cache file exists but holds no data
var ErrEmpty = errors.New("cache file is empty")

// Source enumerates the installations known to the package manager
type Source interface {
	Installations(ctx context.Context) (model.InstallationMap, error)
}

// Provider captures timestamped snapshots of the local package set
type Provider struct {
	src   Source
	clock clockwork.Clock
}

// NewProvider creates a provider reading from src
func NewProvider(src Source, clock clockwork.Clock) *Provider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Provider{src: src, clock: clock}
}

// Capture reads the current installations and stamps them with the current time
func (p *Provider) Capture(ctx context.Context) (*model.Payload, error) {
	installations, err := p.src.Installations(ctx)
	if err != nil {
		return nil, &QueryError{Err: err}
	}
	return model.NewPayload(installations, p.clock.Now()), nil
}

// Cache stores the local snapshot on disk
type Cache struct {
	fs   afero.Fs
	path string
}

// NewCache creates a cache backed by the file at path
func NewCache(fs afero.Fs, path string) *Cache {
	return &Cache{fs: fs, path: path}
}

// Path returns the cache file location
func (c *Cache) Path() string {
	return c.path
}

// Load reads the cached snapshot. Missing, empty and corrupt files are
// reported as *FileError.
func (c *Cache) Load() (*model.Payload, error) {
	data, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		return nil, &FileError{Path: c.path, Err: err}
	}
	if len(data) == 0 {
		return nil, &FileError{Path: c.path, Err: ErrEmpty}
	}

	var p model.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &FileError{Path: c.path, Err: fmt.Errorf("failed to parse: %w", err)}
	}
	if p.Installations == nil {
		p.Installations = model.InstallationMap{}
	}
	return &p, nil
}

// Save writes the snapshot through a temp file and rename so readers never
// observe a partial file
func (c *Cache) Save(p *model.Payload) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return &FileError{Path: c.path, Err: fmt.Errorf("failed to encode: %w", err)}
	}

	dir := filepath.Dir(c.path)
	if err := c.fs.MkdirAll(dir, 0755); err != nil {
		return &FileError{Path: c.path, Err: err}
	}

	tmp, err := afero.TempFile(c.fs, dir, ".paksyncd-tmp-*")
	if err != nil {
		return &FileError{Path: c.path, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = c.fs.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &FileError{Path: c.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &FileError{Path: c.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &FileError{Path: c.path, Err: err}
	}
	if err := c.fs.Chmod(tmpPath, 0644); err != nil {
		return &FileError{Path: c.path, Err: err}
	}
	if err := c.fs.Rename(tmpPath, c.path); err != nil {
		return &FileError{Path: c.path, Err: err}
	}
	return nil
}

// LoadOrSeed loads the cache, capturing and persisting a fresh snapshot when
// the file is missing or unreadable
func LoadOrSeed(ctx context.Context, cache *Cache, provider *Provider, logger *slog.Logger) (*model.Payload, error) {
	p, err := cache.Load()
	if err == nil {
		return p, nil
	}

	var fe *FileError
	if !errors.As(err, &fe) {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no local snapshot cache, seeding", "path", cache.Path())
	} else {
		logger.Warn("local snapshot cache unreadable, reseeding", "path", cache.Path(), "error", err)
	}

	p, err = provider.Capture(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.Save(p); err != nil {
		return nil, err
	}
	return p, nil
}
