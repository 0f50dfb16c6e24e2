package control

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/schaermu/paksyncd/internal/auth"
	"github.com/schaermu/paksyncd/internal/model"
	"github.com/schaermu/paksyncd/internal/remote"
	"github.com/schaermu/paksyncd/internal/store"
	paksyncd "github.com/schaermu/paksyncd/internal/sync"
)

// Status is the response of GET /v1/status
type Status struct {
	RemoteID        string              `json:"remote_id"`
	Autosync        bool                `json:"autosync"`
	IntervalMinutes uint32              `json:"interval_minutes"`
	Autostart       bool                `json:"autostart"`
	LocalAlteredAt  time.Time           `json:"local_altered_at"`
	Refs            map[model.Scope]int `json:"refs"`
	Recent          []store.Event       `json:"recent"`
}

type secretRequest struct {
	Secret string `json:"secret"`
}

type createRemoteRequest struct {
	Public bool `json:"public"`
}

type remoteIDBody struct {
	RemoteID string `json:"remote_id"`
}

type enabledBody struct {
	Enabled bool `json:"enabled"`
}

type intervalBody struct {
	Minutes uint32 `json:"minutes"`
}

type syncResponse struct {
	Queued bool `json:"queued"`
}

// DiffResponse is the response of GET /v1/diff
type DiffResponse struct {
	Direction  string               `json:"direction"`
	Comparison *paksyncd.Comparison `json:"comparison"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// error codes carried over the wire
const (
	codeRemoteIDMissing    = "remote_id_missing"
	codeAlreadyInitialized = "already_initialized"
	codeIntervalOutOfRange = "interval_out_of_range"
	codeInvalidSecret      = "invalid_secret"
	codeUnauthorized       = "unauthorized"
	codeRemoteNotFound     = "remote_not_found"
	codeBadRequest         = "bad_request"
	codeInternal           = "internal"
)

var codeErrors = map[string]error{
	codeRemoteIDMissing:    paksyncd.ErrRemoteIDMissing,
	codeAlreadyInitialized: paksyncd.ErrAlreadyInitialized,
	codeIntervalOutOfRange: ErrIntervalOutOfRange,
	codeInvalidSecret:      ErrInvalidSecret,
	codeUnauthorized:       remote.ErrUnauthorized,
	codeRemoteNotFound:     remote.ErrNotFound,
}

// classify maps an error to its HTTP status and wire code
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, paksyncd.ErrRemoteIDMissing):
		return http.StatusConflict, codeRemoteIDMissing
	case errors.Is(err, paksyncd.ErrAlreadyInitialized):
		return http.StatusConflict, codeAlreadyInitialized
	case errors.Is(err, ErrIntervalOutOfRange):
		return http.StatusBadRequest, codeIntervalOutOfRange
	case errors.Is(err, ErrInvalidSecret):
		return http.StatusBadRequest, codeInvalidSecret
	case errors.Is(err, remote.ErrUnauthorized),
		errors.Is(err, auth.ErrNoCredentials),
		errors.Is(err, auth.ErrRefreshFailed):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, remote.ErrMissingFile):
		return http.StatusNotFound, codeRemoteNotFound
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// APIError is an error reported by the daemon
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon: %s", e.Message)
}

// Is matches the sentinel error the code was derived from
func (e *APIError) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && sentinel == target
}
