package collab

import (
	"slices"
	"strings"
	"time"
)

// how long a tombstone stays merge-visible after deletion
const DefaultTombstoneTtl = 24 * time.Hour

// Reconcile deterministically merges two element sets into one converged set.
//
// For every id present in either set the copy with the greater
// (version, versionNonce) wins; ids unique to one side carry through
// unchanged. Tombstoned elements stay in the result so that later merges
// cannot resurrect them. The result is ordered by element id, which makes
// the merge commutative, associative, and idempotent as a value:
//
//	Reconcile(a, b) == Reconcile(b, a)
//	Reconcile(Reconcile(a, b), c) == Reconcile(a, Reconcile(b, c))
//	Reconcile(a, a) == a (up to ordering)
//
// This is the only correctness mechanism for out-of-order and concurrent
// delivery. Callers that need a z-order keep it inside Element.Data.
func Reconcile(local []*Element, remote []*Element) []*Element {
	merged := map[string]*Element{}
	for _, element := range local {
		merged[element.Id] = element
	}
	for _, element := range remote {
		current, ok := merged[element.Id]
		if !ok || newer(element, current) {
			merged[element.Id] = element
		}
	}

	out := make([]*Element, 0, len(merged))
	for _, element := range merged {
		out = append(out, element)
	}
	slices.SortFunc(out, func(a *Element, b *Element) int {
		return strings.Compare(a.Id, b.Id)
	})
	return out
}

// RenderableElements filters out tombstones.
// The full merge-visible set, tombstones included,
// is what travels over the wire and into the store.
func RenderableElements(elements []*Element) []*Element {
	out := []*Element{}
	for _, element := range elements {
		if !element.Deleted {
			out = append(out, element)
		}
	}
	return out
}

// PruneTombstones drops tombstones whose retention window has expired.
// Expired tombstones are safe to forget because every participant that could
// still merge them has either seen the deletion or will resync from the
// store, which was written after the deletion.
func PruneTombstones(elements []*Element, ttl time.Duration, now time.Time) []*Element {
	cutoff := now.Add(-ttl).UnixMilli()
	out := []*Element{}
	for _, element := range elements {
		if element.Deleted && element.DeletedAt < cutoff {
			continue
		}
		out = append(out, element)
	}
	return out
}

// SceneVersion summarizes an element set as a monotonic value.
// Any single element mutation bumps its version and therefore the sum,
// so an unchanged sum means a resync would be a no-op.
func SceneVersion(elements []*Element) int64 {
	var version int64
	for _, element := range elements {
		version += element.Version
	}
	return version
}
