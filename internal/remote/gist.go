package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/schaermu/paksyncd/internal/model"
)

const (
	// DefaultGitHubAPI is the public GitHub REST endpoint
	DefaultGitHubAPI = "https://api.github.com"
	// GistFileName is the file inside the gist holding the snapshot
	GistFileName = "paksyncd.json"

	gistDescription = "Installed Flatpaks and their remote repositories"
	maxResponseSize = 10 << 20
)

type gistFile struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
	RawURL    string `json:"raw_url,omitempty"`
}

type gistRequest struct {
	Description string              `json:"description,omitempty"`
	Public      *bool               `json:"public,omitempty"`
	Files       map[string]gistFile `json:"files"`
}

type gistResponse struct {
	ID    string              `json:"id"`
	Files map[string]gistFile `json:"files"`
}

// GistStore keeps the snapshot in a GitHub gist
type GistStore struct {
	api       string
	client    *http.Client
	userAgent string
}

// NewGistStore creates a gist-backed store
func NewGistStore(opts Options) *GistStore {
	api := strings.TrimRight(opts.APIURL, "/")
	if api == "" {
		api = DefaultGitHubAPI
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "paksyncd"
	}
	return &GistStore{api: api, client: client, userAgent: ua}
}

// Kind returns KindGitHubGists
func (g *GistStore) Kind() Kind {
	return KindGitHubGists
}

// Create creates a new gist holding p
func (g *GistStore) Create(ctx context.Context, p *model.Payload, public bool) (string, error) {
	req, err := g.request(p)
	if err != nil {
		return "", err
	}
	req.Description = gistDescription
	req.Public = &public

	var resp gistResponse
	if err := g.do(ctx, http.MethodPost, g.api+"/gists", req, &resp); err != nil {
		return "", fmt.Errorf("failed to create gist: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("failed to create gist: response carried no id")
	}
	return resp.ID, nil
}

// Fetch reads the snapshot from gist id
func (g *GistStore) Fetch(ctx context.Context, id string) (*model.Payload, error) {
	var resp gistResponse
	if err := g.do(ctx, http.MethodGet, g.api+"/gists/"+id, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch gist %s: %w", id, err)
	}

	file, ok := resp.Files[GistFileName]
	if !ok {
		return nil, fmt.Errorf("gist %s: %w", id, ErrMissingFile)
	}

	content := file.Content
	if file.Truncated && file.RawURL != "" {
		raw, err := g.raw(ctx, file.RawURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch gist %s content: %w", id, err)
		}
		content = raw
	}

	var p model.Payload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return nil, fmt.Errorf("failed to decode gist %s content: %w", id, err)
	}
	if p.Installations == nil {
		p.Installations = model.InstallationMap{}
	}
	return &p, nil
}

// Update replaces the snapshot in gist id
func (g *GistStore) Update(ctx context.Context, id string, p *model.Payload) error {
	req, err := g.request(p)
	if err != nil {
		return err
	}
	if err := g.do(ctx, http.MethodPatch, g.api+"/gists/"+id, req, nil); err != nil {
		return fmt.Errorf("failed to update gist %s: %w", id, err)
	}
	return nil
}

func (g *GistStore) request(p *model.Payload) (*gistRequest, error) {
	content, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return &gistRequest{
		Files: map[string]gistFile{GistFileName: {Content: string(content)}},
	}, nil
}

func (g *GistStore) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", g.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (g *GistStore) raw(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", g.userAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", err
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func statusError(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, code)
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("unexpected status %d: %s", code, msg)
	}
}
