// Package secret stores backend credentials outside the settings database.
package secret

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when no secret is stored for a purpose
var ErrNotFound = errors.New("secret not found")

// Store keeps one secret per purpose
type Store interface {
	Get(purpose string) (string, error)
	Set(purpose, value string) error
	Delete(purpose string) error
}

const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
)

// New creates the store for backend. path is only used by the file backend.
func New(backend string, fs afero.Fs, path string) (Store, error) {
	switch backend {
	case BackendKeyring, "":
		return NewKeyringStore("paksyncd"), nil
	case BackendFile:
		return NewFileStore(fs, path), nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", backend)
	}
}

// KeyringStore keeps secrets in the desktop keyring (Secret Service)
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a keyring store scoped to service
func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

func (k *KeyringStore) Get(purpose string) (string, error) {
	v, err := keyring.Get(k.service, purpose)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from keyring: %w", purpose, err)
	}
	return v, nil
}

func (k *KeyringStore) Set(purpose, value string) error {
	if err := keyring.Set(k.service, purpose, value); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", purpose, err)
	}
	return nil
}

func (k *KeyringStore) Delete(purpose string) error {
	err := keyring.Delete(k.service, purpose)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete %s from keyring: %w", purpose, err)
	}
	return nil
}

// FileStore keeps secrets in a JSON file readable only by the owner
type FileStore struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// NewFileStore creates a file store at path
func NewFileStore(fs afero.Fs, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

func (f *FileStore) Get(purpose string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := secrets[purpose]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileStore) Set(purpose, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		return err
	}
	secrets[purpose] = value
	return f.save(secrets)
}

func (f *FileStore) Delete(purpose string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[purpose]; !ok {
		return nil
	}
	delete(secrets, purpose)
	return f.save(secrets)
}

func (f *FileStore) load() (map[string]string, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	secrets := map[string]string{}
	if len(data) == 0 {
		return secrets, nil
	}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	return secrets, nil
}

func (f *FileStore) save(secrets map[string]string) error {
	data, err := json.Marshal(secrets)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, dir, ".paksyncd-secret-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = f.fs.Remove(tmpPath)
	}()

	if err := f.fs.Chmod(tmpPath, 0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to restrict secrets file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := f.fs.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}
