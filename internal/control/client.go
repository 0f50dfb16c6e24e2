package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	paksyncd "github.com/schaermu/paksyncd/internal/sync"
)

// Client talks to a running daemon over its control socket
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the unix socket at path
func NewClient(path string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{base: "http://paksyncd", http: &http.Client{Transport: transport}}
}

// newHTTPClient creates a client for a daemon reachable at base
func newHTTPClient(base string, hc *http.Client) *Client {
	return &Client{base: base, http: hc}
}

// SetSecret stores the remote store credential
func (c *Client) SetSecret(ctx context.Context, value string) error {
	return c.do(ctx, http.MethodPut, "/v1/secret", secretRequest{Secret: value}, nil)
}

// CreateRemote creates a remote snapshot and returns its identifier
func (c *Client) CreateRemote(ctx context.Context, public bool) (string, error) {
	var resp remoteIDBody
	err := c.do(ctx, http.MethodPost, "/v1/remote", createRemoteRequest{Public: public}, &resp)
	return resp.RemoteID, err
}

// Push uploads the local state to the remote
func (c *Client) Push(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/push", nil, nil)
}

// TriggerManualSync queues a manual sync and reports whether it was accepted
func (c *Client) TriggerManualSync(ctx context.Context) (bool, error) {
	var resp syncResponse
	err := c.do(ctx, http.MethodPost, "/v1/sync", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return false, nil
	}
	return resp.Queued, err
}

// Autosync reports whether automatic syncs are enabled
func (c *Client) Autosync(ctx context.Context) (bool, error) {
	var resp enabledBody
	err := c.do(ctx, http.MethodGet, "/v1/autosync", nil, &resp)
	return resp.Enabled, err
}

// SetAutosync enables or disables automatic syncs
func (c *Client) SetAutosync(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/v1/autosync", enabledBody{Enabled: enabled}, nil)
}

// Interval returns the automatic sync interval in minutes
func (c *Client) Interval(ctx context.Context) (uint32, error) {
	var resp intervalBody
	err := c.do(ctx, http.MethodGet, "/v1/interval", nil, &resp)
	return resp.Minutes, err
}

// SetInterval changes the automatic sync interval
func (c *Client) SetInterval(ctx context.Context, minutes uint32) error {
	return c.do(ctx, http.MethodPut, "/v1/interval", intervalBody{Minutes: minutes}, nil)
}

// RemoteID returns the bound remote identifier
func (c *Client) RemoteID(ctx context.Context) (string, error) {
	var resp remoteIDBody
	err := c.do(ctx, http.MethodGet, "/v1/remote-id", nil, &resp)
	return resp.RemoteID, err
}

// SetRemoteID binds an existing remote
func (c *Client) SetRemoteID(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/v1/remote-id", remoteIDBody{RemoteID: id}, nil)
}

// Autostart reports whether the login service is installed
func (c *Client) Autostart(ctx context.Context) (bool, error) {
	var resp enabledBody
	err := c.do(ctx, http.MethodGet, "/v1/autostart", nil, &resp)
	return resp.Enabled, err
}

// SetAutostart installs or removes the login service
func (c *Client) SetAutostart(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/v1/autostart", enabledBody{Enabled: enabled}, nil)
}

// Status summarizes the daemon state
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Diff compares the local cache with the remote snapshot
func (c *Client) Diff(ctx context.Context) (*DiffResponse, error) {
	var resp DiffResponse
	if err := c.do(ctx, http.MethodGet, "/v1/diff", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Comparison == nil {
		resp.Comparison = &paksyncd.Comparison{}
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon, is it running? %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
		var er errorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&er); err == nil {
			apiErr.Code = er.Code
			if er.Message != "" {
				apiErr.Message = er.Message
			}
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
