package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPayloadJSON(t *testing.T) {
	p := NewPayload(InstallationMap{
		ScopeUser:   {ID: "user", Path: "/home/u/.local/share/flatpak", StorageType: StorageDefault},
		ScopeSystem: {ID: "default", Path: "/var/lib/flatpak", StorageType: StorageHardDisk},
	}, time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600)))

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "installations")
	require.JSONEq(t, `"2024-03-01T09:00:00Z"`, string(raw["altered_at"]))

	var scopes map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["installations"], &scopes))
	require.Contains(t, scopes, "user")
	require.Contains(t, scopes, "default")

	var back Payload
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, StorageHardDisk, back.Installations[ScopeSystem].StorageType)
}

func TestScope_UnmarshalUnknown(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"installations":{"galaxy":{}},"altered_at":"2024-01-01T00:00:00Z"}`), &p)
	require.Error(t, err)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("system")
	require.NoError(t, err)
	require.Equal(t, ScopeSystem, s)

	s, err = ParseScope("user")
	require.NoError(t, err)
	require.Equal(t, ScopeUser, s)
}

func TestRemoteIsLocal(t *testing.T) {
	require.True(t, Remote{URL: Str("file:///srv/repo")}.IsLocal())
	require.False(t, Remote{URL: Str("https://dl.flathub.org/repo/")}.IsLocal())
	require.False(t, Remote{}.IsLocal())
}

func TestStrEmptyIsNil(t *testing.T) {
	require.Nil(t, Str(""))
	require.Equal(t, "x", *Str("x"))
}

func TestRefEqual(t *testing.T) {
	a := Ref{Kind: KindApp, Ref: "app/a/x86_64/stable", ID: "a", Arch: "x86_64", Branch: "stable", Commit: "1", Origin: "flathub"}
	b := a
	require.True(t, a.Equal(b))
	require.Equal(t, a.Key(), b.Key())

	b.License = Str("MIT")
	require.False(t, a.Equal(b))
	require.Equal(t, a.Key(), b.Key())
}

func TestSortedScopes(t *testing.T) {
	m := InstallationMap{ScopeSystem: {}, ScopeUser: {}}
	require.Equal(t, []Scope{ScopeUser, ScopeSystem}, m.SortedScopes())
}

func TestClone(t *testing.T) {
	m := InstallationMap{ScopeUser: {Refs: []Ref{{ID: "a"}}}}
	c := m.Clone()
	c[ScopeUser].Refs[0].ID = "b"
	require.Equal(t, "a", m[ScopeUser].Refs[0].ID)
}
