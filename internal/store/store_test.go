package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", Defaults{Autosync: true, IntervalMinutes: 15})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSettings_Defaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	on, err := s.Autosync(ctx)
	require.NoError(t, err)
	require.True(t, on)

	minutes, err := s.IntervalMinutes(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 15, minutes)

	id, err := s.RemoteID(ctx, "github-gists-id")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestSettings_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAutosync(ctx, false))
	require.NoError(t, s.SetIntervalMinutes(ctx, 60))
	require.NoError(t, s.SetRemoteID(ctx, "github-gists-id", "abc"))

	on, err := s.Autosync(ctx)
	require.NoError(t, err)
	require.False(t, on)

	minutes, err := s.IntervalMinutes(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 60, minutes)

	id, err := s.RemoteID(ctx, "github-gists-id")
	require.NoError(t, err)
	require.Equal(t, "abc", id)

	require.NoError(t, s.SetRemoteID(ctx, "github-gists-id", ""))
	id, err = s.RemoteID(ctx, "github-gists-id")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestSettings_InvalidValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, keyInterval, "soon"))
	minutes, err := s.IntervalMinutes(ctx)
	require.Error(t, err)
	require.EqualValues(t, 15, minutes)
}

func TestSettings_PersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paksyncd.db")
	ctx := context.Background()

	s, err := New(path, Defaults{})
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteID(ctx, "github-gists-id", "persisted"))
	require.NoError(t, s.Close())

	s, err = New(path, Defaults{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	id, err := s.RemoteID(ctx, "github-gists-id")
	require.NoError(t, err)
	require.Equal(t, "persisted", id)
}

func TestJournal_RecordRecentPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, outcome := range []Outcome{OutcomeSkip, OutcomePull, OutcomePush} {
		require.NoError(t, s.Record(ctx, Event{
			Trigger:    "timer",
			Outcome:    outcome,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}))
	}

	events, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, OutcomePush, events[0].Outcome)
	require.Equal(t, OutcomePull, events[1].Outcome)
	require.NotEmpty(t, events[0].ID)
	require.True(t, events[0].FinishedAt.Equal(base.Add(2*time.Minute+time.Second)))

	require.NoError(t, s.Prune(ctx, 1))
	events, err = s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, OutcomePush, events[0].Outcome)
}
