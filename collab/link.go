package collab

import (
	"errors"
	"fmt"
	"strings"
)

// Collaboration links carry the room id and the room key in the url fragment,
// `#room=<roomId>,<base64url key>`. Fragments are never sent in http requests,
// so the key stays out of server logs and the relay's sight entirely.

var ErrInvalidLink = errors.New("invalid collaboration link")

func FormatRoomLink(baseUrl string, roomId string, key RoomKey) string {
	return fmt.Sprintf("%s#room=%s,%s", baseUrl, roomId, key.String())
}

// ParseRoomLink accepts a full link or just the fragment and returns the room
// id and key. A malformed fragment or a key of the wrong length returns
// ErrInvalidLink; the caller must abort entering collaborative mode rather
// than attempt decryption.
func ParseRoomLink(link string) (roomId string, key RoomKey, returnErr error) {
	fragment := link
	if i := strings.Index(link, "#"); 0 <= i {
		fragment = link[i+1:]
	}
	if !strings.HasPrefix(fragment, "room=") {
		returnErr = fmt.Errorf("%w: missing room fragment", ErrInvalidLink)
		return
	}
	roomId, keyStr, ok := strings.Cut(fragment[len("room="):], ",")
	if !ok || roomId == "" {
		returnErr = fmt.Errorf("%w: missing room id or key", ErrInvalidLink)
		return
	}
	key, err := RoomKeyFromString(keyStr)
	if err != nil {
		returnErr = fmt.Errorf("%w: %s", ErrInvalidLink, err)
		return
	}
	return roomId, key, nil
}
