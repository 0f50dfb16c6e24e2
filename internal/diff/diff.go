// Package diff computes structural differences between two installation maps.
package diff

import (
	"fmt"
	"sort"

	"github.com/wI2L/jsondiff"

	"github.com/schaermu/paksyncd/internal/model"
)

// Change pairs the old and new value of an entity present on both sides
type Change[T any] struct {
	Old T `json:"old"`
	New T `json:"new"`
}

// Set holds the per-entity differences of one kind
type Set[T any] struct {
	Added   []T         `json:"added,omitempty"`
	Altered []Change[T] `json:"altered,omitempty"`
	Removed []T         `json:"removed,omitempty"`
}

// Empty reports whether the set contains no difference
func (s Set[T]) Empty() bool {
	return len(s.Added) == 0 && len(s.Altered) == 0 && len(s.Removed) == 0
}

// ScopeDiff holds the differences for one scope
type ScopeDiff struct {
	Refs    Set[model.Ref]    `json:"refs"`
	Remotes Set[model.Remote] `json:"remotes"`
}

// Empty reports whether the scope contains no difference
func (d *ScopeDiff) Empty() bool {
	return d == nil || (d.Refs.Empty() && d.Remotes.Empty())
}

// Diff maps each scope to its differences. Added entities exist in the
// target only, removed entities in the base only.
type Diff map[model.Scope]*ScopeDiff

// Empty reports whether nothing changed in any scope
func (d Diff) Empty() bool {
	for _, sd := range d {
		if !sd.Empty() {
			return false
		}
	}
	return true
}

// Counts returns the number of added, altered and removed entities
func (d Diff) Counts() (added, altered, removed int) {
	for _, sd := range d {
		if sd == nil {
			continue
		}
		added += len(sd.Refs.Added) + len(sd.Remotes.Added)
		altered += len(sd.Refs.Altered) + len(sd.Remotes.Altered)
		removed += len(sd.Refs.Removed) + len(sd.Remotes.Removed)
	}
	return added, altered, removed
}

// Compute returns what changes base into target. Scopes present on one side
// only contribute all their entities as added or removed.
func Compute(target, base model.InstallationMap) Diff {
	out := make(Diff)
	scopes := make(map[model.Scope]struct{})
	for s := range target {
		scopes[s] = struct{}{}
	}
	for s := range base {
		scopes[s] = struct{}{}
	}

	for s := range scopes {
		t, b := target[s], base[s]
		sd := &ScopeDiff{
			Refs:    compare(refsOf(t), refsOf(b), model.Ref.Key, model.Ref.Equal, func(k model.RefKey) string { return k.String() }),
			Remotes: compare(remotesOf(t), remotesOf(b), model.Remote.Key, model.Remote.Equal, func(k string) string { return k }),
		}
		if !sd.Empty() {
			out[s] = sd
		}
	}
	return out
}

// Scope computes the differences of a single installation pair
func Scope(target, base *model.Installation) *ScopeDiff {
	return &ScopeDiff{
		Refs:    compare(refsOf(target), refsOf(base), model.Ref.Key, model.Ref.Equal, func(k model.RefKey) string { return k.String() }),
		Remotes: compare(remotesOf(target), remotesOf(base), model.Remote.Key, model.Remote.Equal, func(k string) string { return k }),
	}
}

func compare[T any, K comparable](target, base []T, key func(T) K, equal func(T, T) bool, order func(K) string) Set[T] {
	tIdx := index(target, key)
	bIdx := index(base, key)

	var set Set[T]
	for _, k := range sortedKeys(tIdx, order) {
		tv := tIdx[k]
		bv, ok := bIdx[k]
		switch {
		case !ok:
			set.Added = append(set.Added, tv)
		case !equal(tv, bv):
			set.Altered = append(set.Altered, Change[T]{Old: bv, New: tv})
		}
	}
	for _, k := range sortedKeys(bIdx, order) {
		if _, ok := tIdx[k]; !ok {
			set.Removed = append(set.Removed, bIdx[k])
		}
	}
	return set
}

func index[T any, K comparable](items []T, key func(T) K) map[K]T {
	m := make(map[K]T, len(items))
	for _, it := range items {
		m[key(it)] = it
	}
	return m
}

func sortedKeys[T any, K comparable](m map[K]T, order func(K) string) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return order(keys[i]) < order(keys[j]) })
	return keys
}

func refsOf(inst *model.Installation) []model.Ref {
	if inst == nil {
		return nil
	}
	return inst.Refs
}

func remotesOf(inst *model.Installation) []model.Remote {
	if inst == nil {
		return nil
	}
	return inst.Remotes
}

// Patch renders the difference from base to target as an RFC 6902 JSON patch
func Patch(target, base model.InstallationMap) (jsondiff.Patch, error) {
	if base == nil {
		base = model.InstallationMap{}
	}
	if target == nil {
		target = model.InstallationMap{}
	}
	patch, err := jsondiff.Compare(base, target)
	if err != nil {
		return nil, fmt.Errorf("failed to compute json patch: %w", err)
	}
	return patch, nil
}
