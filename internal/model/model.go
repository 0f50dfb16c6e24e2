// Package model defines the package-set snapshot exchanged between the local
// machine and the remote store.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scope identifies an installation (per-user or system-wide)
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "default"
)

// Scopes lists every known scope in iteration order
var Scopes = []Scope{ScopeUser, ScopeSystem}

// ParseScope converts a scope tag into a Scope
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeUser, ScopeSystem:
		return Scope(s), nil
	case "system":
		return ScopeSystem, nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}

func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	v, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RefKind distinguishes applications from runtimes
type RefKind string

const (
	KindApp     RefKind = "app"
	KindRuntime RefKind = "runtime"
)

// RemoteType describes where a repository is served from
type RemoteType string

const (
	RemoteStatic RemoteType = "static"
	RemoteUSB    RemoteType = "usb"
	RemoteLAN    RemoteType = "lan"
)

// StorageType describes the medium backing an installation
type StorageType string

const (
	StorageDefault  StorageType = "default"
	StorageHardDisk StorageType = "hard_disk"
	StorageSDCard   StorageType = "sdcard"
	StorageMMC      StorageType = "mmc"
	StorageNetwork  StorageType = "network"
)

// Ref is one installed package
type Ref struct {
	Kind    RefKind `json:"kind"`
	Ref     string  `json:"ref"`
	ID      string  `json:"id"`
	Arch    string  `json:"arch"`
	Branch  string  `json:"branch"`
	Commit  string  `json:"commit"`
	Origin  string  `json:"origin"`
	Name    *string `json:"name,omitempty"`
	Version *string `json:"version,omitempty"`
	License *string `json:"license,omitempty"`
	Summary *string `json:"summary,omitempty"`
	OARS    *string `json:"oars,omitempty"`
}

// RefKey is the identity of a Ref within one installation
type RefKey struct {
	Ref    string
	ID     string
	Arch   string
	Branch string
}

func (k RefKey) String() string {
	return strings.Join([]string{k.Ref, k.ID, k.Arch, k.Branch}, "|")
}

// Key returns the identity of the ref
func (r Ref) Key() RefKey {
	return RefKey{Ref: r.Ref, ID: r.ID, Arch: r.Arch, Branch: r.Branch}
}

// Equal compares every field
func (r Ref) Equal(o Ref) bool {
	return r.Kind == o.Kind &&
		r.Ref == o.Ref &&
		r.ID == o.ID &&
		r.Arch == o.Arch &&
		r.Branch == o.Branch &&
		r.Commit == o.Commit &&
		r.Origin == o.Origin &&
		eqPtr(r.Name, o.Name) &&
		eqPtr(r.Version, o.Version) &&
		eqPtr(r.License, o.License) &&
		eqPtr(r.Summary, o.Summary) &&
		eqPtr(r.OARS, o.OARS)
}

// Remote is a repository the installation knows about
type Remote struct {
	Type         RemoteType `json:"type"`
	Name         string     `json:"name"`
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	CollectionID *string    `json:"collection_id,omitempty"`
	GPGVerify    bool       `json:"gpg_verify"`
	URL          *string    `json:"url,omitempty"`
	Prio         int32      `json:"prio"`
}

// Key returns the identity of the remote
func (r Remote) Key() string {
	return r.Name
}

// Equal compares every field
func (r Remote) Equal(o Remote) bool {
	return r.Type == o.Type &&
		r.Name == o.Name &&
		eqPtr(r.Title, o.Title) &&
		eqPtr(r.Description, o.Description) &&
		eqPtr(r.CollectionID, o.CollectionID) &&
		r.GPGVerify == o.GPGVerify &&
		eqPtr(r.URL, o.URL) &&
		r.Prio == o.Prio
}

// IsLocal reports whether the remote is served from the local filesystem
func (r Remote) IsLocal() bool {
	return r.URL != nil && strings.HasPrefix(*r.URL, "file://")
}

// Installation is one scope's packages and repositories
type Installation struct {
	ID          string      `json:"id"`
	Path        string      `json:"path"`
	DisplayName *string     `json:"display_name,omitempty"`
	Priority    int32       `json:"priority"`
	StorageType StorageType `json:"storage_type"`
	Refs        []Ref       `json:"refs"`
	Remotes     []Remote    `json:"remotes"`
}

// InstallationMap holds at most one installation per scope
type InstallationMap map[Scope]*Installation

// SortedScopes returns the scopes present in the map, known scopes first
func (m InstallationMap) SortedScopes() []Scope {
	out := make([]Scope, 0, len(m))
	for _, s := range Scopes {
		if _, ok := m[s]; ok {
			out = append(out, s)
		}
	}
	var extra []Scope
	for s := range m {
		if s != ScopeUser && s != ScopeSystem {
			extra = append(extra, s)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// Payload is the unit stored locally and remotely
type Payload struct {
	Installations InstallationMap `json:"installations"`
	AlteredAt     time.Time       `json:"altered_at"`
}

// NewPayload stamps installations with the given time
func NewPayload(installations InstallationMap, at time.Time) *Payload {
	if installations == nil {
		installations = InstallationMap{}
	}
	return &Payload{Installations: installations, AlteredAt: at.UTC()}
}

// Str returns a pointer to s, or nil when s is empty
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Clone returns a copy that shares no slices with m
func (m InstallationMap) Clone() InstallationMap {
	if m == nil {
		return nil
	}
	out := make(InstallationMap, len(m))
	for s, inst := range m {
		if inst == nil {
			out[s] = nil
			continue
		}
		c := *inst
		c.Refs = append([]Ref(nil), inst.Refs...)
		c.Remotes = append([]Remote(nil), inst.Remotes...)
		out[s] = &c
	}
	return out
}

// Clone returns a deep copy of p
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	return &Payload{Installations: p.Installations.Clone(), AlteredAt: p.AlteredAt}
}
