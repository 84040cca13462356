package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSceneVersionCache(t *testing.T) {
	cache := NewSceneVersionCache()
	connId := NewId()
	elements := []*Element{testElement("e1", 1, 1)}

	// nothing synchronized yet
	assert.Equal(t, false, cache.IsSynced(connId, elements))

	cache.MarkSynced(connId, elements)
	assert.Equal(t, true, cache.IsSynced(connId, elements))

	// any single version increment invalidates
	bumped := []*Element{MutateElement(elements[0], nil)}
	assert.Equal(t, false, cache.IsSynced(connId, bumped))

	// entries are per connection
	otherConnId := NewId()
	assert.Equal(t, false, cache.IsSynced(otherConnId, elements))

	// losing the entry only costs a resend
	cache.Forget(connId)
	assert.Equal(t, false, cache.IsSynced(connId, elements))
}
