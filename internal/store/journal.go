package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies a finished sync operation
type Outcome string

const (
	OutcomePush   Outcome = "push"
	OutcomePull   Outcome = "pull"
	OutcomeCreate Outcome = "create"
	OutcomeSkip   Outcome = "skip"
	OutcomeNoop   Outcome = "noop"
	OutcomeError  Outcome = "error"
)

// Event is one journal entry
type Event struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Record appends ev to the journal, assigning an id when empty
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_events (id, cause, outcome, detail, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Trigger, string(ev.Outcome), ev.Detail,
		ev.StartedAt.UTC().Format(time.RFC3339Nano), ev.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record sync event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cause, outcome, detail, started_at, finished_at FROM sync_events ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []Event
	for rows.Next() {
		var ev Event
		var outcome, started, finished string
		if err := rows.Scan(&ev.ID, &ev.Trigger, &outcome, &ev.Detail, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		ev.Outcome = Outcome(outcome)
		if ev.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("invalid started_at %q: %w", started, err)
		}
		if ev.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("invalid finished_at %q: %w", finished, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune keeps only the newest keep events
func (s *Store) Prune(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE id NOT IN (SELECT id FROM sync_events ORDER BY finished_at DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune sync events: %w", err)
	}
	return nil
}
