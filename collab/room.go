package collab

import (
	"bytes"
	"slices"

	"golang.org/x/exp/maps"
)

// room state is owned exclusively by the relay coordinator goroutine.
// Nothing here locks; see relay.go.

type room struct {
	roomId  string
	members map[Id]*relayConn
	follows *followGraph
}

func newRoom(roomId string) *room {
	return &room{
		roomId:  roomId,
		members: map[Id]*relayConn{},
		follows: newFollowGraph(),
	}
}

func (self *room) memberIds() []Id {
	memberIds := maps.Keys(self.members)
	slices.SortFunc(memberIds, cmpIds)
	return memberIds
}

func cmpIds(a Id, b Id) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// followGraph maps follower -> followed, at most one followed per follower.
// The inverse view, followers of a target, is derived on demand and pushed
// whenever membership or follow intent changes.
type followGraph struct {
	// follower id -> followed id
	targets map[Id]Id
}

func newFollowGraph() *followGraph {
	return &followGraph{
		targets: map[Id]Id{},
	}
}

// follow returns the previously followed target, if any,
// so the caller can refresh both affected members.
func (self *followGraph) follow(followerId Id, targetId Id) (previousTargetId Id, hadPrevious bool) {
	previousTargetId, hadPrevious = self.targets[followerId]
	self.targets[followerId] = targetId
	return
}

func (self *followGraph) unfollow(followerId Id) (targetId Id, ok bool) {
	targetId, ok = self.targets[followerId]
	delete(self.targets, followerId)
	return
}

// remove drops the connection both as follower and as followed.
// Everyone who followed it is cascaded out of the graph. The returned ids
// are the members whose follower list changed.
func (self *followGraph) remove(connId Id) []Id {
	affected := map[Id]bool{}
	if targetId, ok := self.targets[connId]; ok {
		delete(self.targets, connId)
		affected[targetId] = true
	}
	for followerId, targetId := range self.targets {
		if targetId == connId {
			delete(self.targets, followerId)
		}
	}
	delete(affected, connId)
	return maps.Keys(affected)
}

func (self *followGraph) followersOf(targetId Id) []Id {
	followerIds := []Id{}
	for followerId, followedId := range self.targets {
		if followedId == targetId {
			followerIds = append(followerIds, followerId)
		}
	}
	slices.SortFunc(followerIds, cmpIds)
	return followerIds
}
