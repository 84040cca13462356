package collab

import (
	mathrand "math/rand"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// An element is an opaque visual object owned by the application. The sync
// engine only reads the identity and versioning fields; Data carries the
// geometry/content payload untouched.
//
// Two elements with the same Id are the same logical entity on every client.
// The copy with the greater (Version, VersionNonce) pair is authoritative.
type Element struct {
	Id           string `cbor:"id" json:"id"`
	Version      int64  `cbor:"version" json:"version"`
	VersionNonce int64  `cbor:"versionNonce" json:"versionNonce"`
	Deleted      bool   `cbor:"deleted,omitempty" json:"deleted,omitempty"`
	// unix milliseconds of the deletion, set together with Deleted
	DeletedAt int64           `cbor:"deletedAt,omitempty" json:"deletedAt,omitempty"`
	Data      cbor.RawMessage `cbor:"data,omitempty" json:"data,omitempty"`
}

func (self *Element) Clone() *Element {
	out := *self
	if self.Data != nil {
		out.Data = make(cbor.RawMessage, len(self.Data))
		copy(out.Data, self.Data)
	}
	return &out
}

// NewElement creates a live element at version 1 with a fresh nonce.
func NewElement(id string, data []byte) *Element {
	return &Element{
		Id:           id,
		Version:      1,
		VersionNonce: newVersionNonce(),
		Data:         data,
	}
}

// MutateElement returns a copy with the payload replaced,
// the version bumped, and a fresh random nonce.
// The input element is not modified.
func MutateElement(element *Element, data []byte) *Element {
	out := element.Clone()
	out.Data = data
	out.Version += 1
	out.VersionNonce = newVersionNonce()
	return out
}

// DeleteElement returns a tombstoned copy of the element.
// The tombstone is kept merge-visible for the retention window
// so that late-arriving merges do not resurrect it.
func DeleteElement(element *Element, deleteTime time.Time) *Element {
	out := element.Clone()
	out.Deleted = true
	out.DeletedAt = deleteTime.UnixMilli()
	out.Version += 1
	out.VersionNonce = newVersionNonce()
	return out
}

func newVersionNonce() int64 {
	// uniform over the positive int63 range. zero is reserved to mean "unset"
	return 1 + mathrand.Int63n(1<<62)
}

// newer reports whether a supersedes b.
// Ordering is (version, versionNonce) and, when both tie, the greater id.
// The id fallback keeps the comparator total and deterministic.
func newer(a *Element, b *Element) bool {
	if a.Version != b.Version {
		return b.Version < a.Version
	}
	if a.VersionNonce != b.VersionNonce {
		return b.VersionNonce < a.VersionNonce
	}
	return b.Id < a.Id
}
