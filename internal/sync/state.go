package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/wI2L/jsondiff"

	"github.com/schaermu/paksyncd/internal/diff"
)

// ErrRemoteIDMissing is returned when no remote has been created or bound yet
var ErrRemoteIDMissing = errors.New("remote id missing, create or set a remote first")

// ErrAlreadyInitialized is matched by AlreadyInitializedError
var ErrAlreadyInitialized = errors.New("remote already initialized")

// AlreadyInitializedError reports the remote id that is already bound
type AlreadyInitializedError struct {
	ID string
}

func (e *AlreadyInitializedError) Error() string {
	return fmt.Sprintf("remote already initialized with id %s", e.ID)
}

func (e *AlreadyInitializedError) Is(target error) bool {
	return target == ErrAlreadyInitialized
}

// Trigger names what started a sync operation
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerManual  Trigger = "manual"
	TriggerControl Trigger = "control"
)

// Comparison describes how the remote snapshot differs from the local cache
type Comparison struct {
	RemoteID        string         `json:"remote_id"`
	LocalAlteredAt  time.Time      `json:"local_altered_at"`
	RemoteAlteredAt time.Time      `json:"remote_altered_at"`
	Diff            diff.Diff      `json:"diff"`
	Patch           jsondiff.Patch `json:"patch"`
}

// Direction reports which side a poll would copy from
func (c *Comparison) Direction() string {
	switch {
	case c.Diff.Empty():
		return "none"
	case c.LocalAlteredAt.After(c.RemoteAlteredAt):
		return "push"
	default:
		return "pull"
	}
}
