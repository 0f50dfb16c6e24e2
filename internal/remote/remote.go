// Package remote defines the remote store capability and its backends.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/schaermu/paksyncd/internal/model"
)

var (
	// ErrUnauthorized is returned when the backend rejects the credentials
	ErrUnauthorized = errors.New("remote rejected credentials")
	// ErrNotFound is returned when the remote id does not exist
	ErrNotFound = errors.New("remote not found")
	// ErrMissingFile is returned when the remote holds no snapshot file
	ErrMissingFile = errors.New("remote snapshot file missing")
)

// Kind names a remote store backend
type Kind string

const (
	KindGitHubGists Kind = "github-gists"
)

// ParseKind validates a backend name
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindGitHubGists:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown remote backend %q", s)
	}
}

// SecretPurpose is the secret store key holding this backend's credentials
func (k Kind) SecretPurpose() string {
	return string(k) + "-secret"
}

// IDKey is the settings key holding this backend's remote identifier
func (k Kind) IDKey() string {
	return string(k) + "-id"
}

// Store is the remote snapshot storage capability
type Store interface {
	// Kind identifies the backend
	Kind() Kind
	// Create stores a new snapshot and returns its identifier
	Create(ctx context.Context, p *model.Payload, public bool) (string, error)
	// Fetch retrieves the snapshot stored under id
	Fetch(ctx context.Context, id string) (*model.Payload, error)
	// Update replaces the snapshot stored under id
	Update(ctx context.Context, id string, p *model.Payload) error
}

// Options configures a backend
type Options struct {
	// APIURL overrides the backend's default endpoint
	APIURL string
	// HTTPClient performs authenticated requests
	HTTPClient *http.Client
	// UserAgent is sent with every request
	UserAgent string
}

// New creates the store for kind
func New(kind Kind, opts Options) (Store, error) {
	switch kind {
	case KindGitHubGists:
		return NewGistStore(opts), nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", kind)
	}
}
