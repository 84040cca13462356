package collab

import (
	"sync"
)

// SceneVersionCache records the last scene version successfully synchronized
// per connection, to suppress redundant broadcasts. It is an explicit table
// keyed by connection id, passed alongside the connection handle.
//
// Purely a local optimization: losing an entry never loses correctness,
// it only costs one extra broadcast.
type SceneVersionCache struct {
	stateLock sync.Mutex
	// connection id -> last synchronized scene version
	versions map[Id]int64
}

func NewSceneVersionCache() *SceneVersionCache {
	return &SceneVersionCache{
		versions: map[Id]int64{},
	}
}

// IsSynced returns true only when the scene version exactly matches the last
// version marked synchronized for the connection.
func (self *SceneVersionCache) IsSynced(connId Id, elements []*Element) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	version, ok := self.versions[connId]
	return ok && version == SceneVersion(elements)
}

// MarkSynced is called after every successful send.
func (self *SceneVersionCache) MarkSynced(connId Id, elements []*Element) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.versions[connId] = SceneVersion(elements)
}

func (self *SceneVersionCache) Forget(connId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.versions, connId)
}
