// Package auth obtains and refreshes remote store credentials.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/schaermu/paksyncd/internal/secret"
)

var (
	// ErrNoCredentials is returned when nothing is stored for the backend
	ErrNoCredentials = errors.New("no credentials stored, run init first")
	// ErrRefreshFailed is returned when an expired token cannot be renewed
	ErrRefreshFailed = errors.New("failed to refresh credentials")
)

// GitHubConfig returns the OAuth2 configuration for the GitHub device flow
func GitHubConfig(clientID string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: github.Endpoint,
		Scopes:   []string{"gist"},
	}
}

// DeviceFlow runs the OAuth2 device authorization grant
type DeviceFlow struct {
	cfg *oauth2.Config
}

// NewDeviceFlow creates a device flow for cfg
func NewDeviceFlow(cfg *oauth2.Config) *DeviceFlow {
	return &DeviceFlow{cfg: cfg}
}

// Start requests a device and user code
func (d *DeviceFlow) Start(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	if d.cfg.ClientID == "" {
		return nil, fmt.Errorf("oauth client id is not configured")
	}
	resp, err := d.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to request device code: %w", err)
	}
	return resp, nil
}

// Wait polls until the user authorizes the device or the code expires
func (d *DeviceFlow) Wait(ctx context.Context, da *oauth2.DeviceAuthResponse) (*oauth2.Token, error) {
	tok, err := d.cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}
	return tok, nil
}

// EncodeToken serializes a token for the secret store
func EncodeToken(tok *oauth2.Token) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}
	return string(data), nil
}

// DecodeToken parses a stored secret. Anything that is not a JSON token is
// used as a static access token.
func DecodeToken(s string) (*oauth2.Token, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoCredentials
	}
	if !strings.HasPrefix(s, "{") {
		return &oauth2.Token{AccessToken: s, TokenType: "Bearer"}, nil
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(s), &tok); err != nil {
		return nil, fmt.Errorf("failed to decode stored token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return &tok, nil
}

// TokenSource reads credentials from the secret store, refreshes them when
// expired and writes refreshed tokens back
type TokenSource struct {
	cfg     *oauth2.Config
	secrets secret.Store
	purpose string
	logger  *slog.Logger

	mu     sync.Mutex
	stored string
	base   oauth2.TokenSource
}

// NewTokenSource creates a token source for the secret stored under purpose
func NewTokenSource(cfg *oauth2.Config, secrets secret.Store, purpose string, logger *slog.Logger) *TokenSource {
	return &TokenSource{cfg: cfg, secrets: secrets, purpose: purpose, logger: logger}
}

// Token implements oauth2.TokenSource
func (s *TokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.secrets.Get(s.purpose)
	if errors.Is(err, secret.ErrNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}

	if s.base == nil || stored != s.stored {
		tok, err := DecodeToken(stored)
		if err != nil {
			return nil, err
		}
		if tok.RefreshToken == "" {
			s.base = oauth2.StaticTokenSource(tok)
		} else {
			s.base = s.cfg.TokenSource(context.Background(), tok)
		}
		s.stored = stored
	}

	tok, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	encoded, err := EncodeToken(tok)
	if err != nil {
		return nil, err
	}
	if encoded != s.stored && strings.HasPrefix(s.stored, "{") {
		if err := s.secrets.Set(s.purpose, encoded); err != nil {
			s.logger.Warn("failed to persist refreshed token", "error", err)
		} else {
			s.logger.Info("credentials refreshed")
			s.stored = encoded
		}
	}
	return tok, nil
}

// HTTPClient returns a client authorizing every request through ts
func HTTPClient(ts oauth2.TokenSource) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   http.DefaultTransport,
		},
	}
}
