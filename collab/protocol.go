package collab

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire protocol between clients and the relay. Every websocket binary message
// is one cbor-encoded Frame envelope holding a typed body. Broadcast payloads
// are opaque ciphertext plus iv from the relay's perspective; the relay never
// holds a room key.

type FrameType int

const (
	// server -> client, immediately on connect, carries the assigned handle
	FrameTypeInitRoom FrameType = 1
	// client -> server
	FrameTypeJoinRoom FrameType = 2
	// server -> client, joiner is alone in the room
	FrameTypeFirstInRoom FrameType = 3
	// server -> peers, a connection joined
	FrameTypeNewUser FrameType = 4
	// server -> room, full member list
	FrameTypeRoomUserChange FrameType = 5
	// client -> server, reliable
	FrameTypeServerBroadcast FrameType = 6
	// client -> server, droppable under backpressure
	FrameTypeServerVolatileBroadcast FrameType = 7
	// server -> peers, relayed payload for both broadcast flavors
	FrameTypeClientBroadcast FrameType = 8
	// client -> server
	FrameTypeUserFollow FrameType = 9
	// server -> client, handles now following this client
	FrameTypeUserFollowRoomChange FrameType = 10
)

type Frame struct {
	Type FrameType       `cbor:"t"`
	Body cbor.RawMessage `cbor:"b,omitempty"`
}

type InitRoom struct {
	UserId Id `cbor:"userId"`
}

type JoinRoom struct {
	RoomId string `cbor:"roomId"`
}

type FirstInRoom struct {
}

type NewUser struct {
	UserId Id `cbor:"userId"`
}

type RoomUserChange struct {
	UserIds []Id `cbor:"userIds"`
}

// ServerBroadcast is sent on both the reliable and the volatile path;
// the frame type distinguishes them.
type ServerBroadcast struct {
	RoomId     string `cbor:"roomId"`
	Ciphertext []byte `cbor:"ciphertext"`
	Iv         []byte `cbor:"iv"`
}

type ClientBroadcast struct {
	Ciphertext []byte `cbor:"ciphertext"`
	Iv         []byte `cbor:"iv"`
}

type FollowAction int

const (
	FollowActionFollow   FollowAction = 1
	FollowActionUnfollow FollowAction = 2
)

type UserFollow struct {
	Action FollowAction `cbor:"action"`
	Target Id           `cbor:"target"`
}

type UserFollowRoomChange struct {
	FollowerIds []Id `cbor:"followerIds"`
}

func ToFrame(message any) (*Frame, error) {
	var frameType FrameType
	switch v := message.(type) {
	case *InitRoom:
		frameType = FrameTypeInitRoom
	case *JoinRoom:
		frameType = FrameTypeJoinRoom
	case *FirstInRoom:
		frameType = FrameTypeFirstInRoom
	case *NewUser:
		frameType = FrameTypeNewUser
	case *RoomUserChange:
		frameType = FrameTypeRoomUserChange
	case *ClientBroadcast:
		frameType = FrameTypeClientBroadcast
	case *UserFollow:
		frameType = FrameTypeUserFollow
	case *UserFollowRoomChange:
		frameType = FrameTypeUserFollowRoomChange
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	body, err := cbor.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type: frameType,
		Body: body,
	}, nil
}

// ToBroadcastFrame maps a ServerBroadcast onto the reliable or volatile
// frame type.
func ToBroadcastFrame(message *ServerBroadcast, volatile bool) (*Frame, error) {
	frameType := FrameTypeServerBroadcast
	if volatile {
		frameType = FrameTypeServerVolatileBroadcast
	}
	body, err := cbor.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type: frameType,
		Body: body,
	}, nil
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.Type {
	case FrameTypeInitRoom:
		message = &InitRoom{}
	case FrameTypeJoinRoom:
		message = &JoinRoom{}
	case FrameTypeFirstInRoom:
		message = &FirstInRoom{}
	case FrameTypeNewUser:
		message = &NewUser{}
	case FrameTypeRoomUserChange:
		message = &RoomUserChange{}
	case FrameTypeServerBroadcast, FrameTypeServerVolatileBroadcast:
		message = &ServerBroadcast{}
	case FrameTypeClientBroadcast:
		message = &ClientBroadcast{}
	case FrameTypeUserFollow:
		message = &UserFollow{}
	case FrameTypeUserFollowRoomChange:
		message = &UserFollowRoomChange{}
	default:
		return nil, fmt.Errorf("unknown frame type: %d", frame.Type)
	}
	if len(frame.Body) == 0 {
		return message, nil
	}
	if err := cbor.Unmarshal(frame.Body, message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(frame)
}

func RequireEncodeFrame(message any) []byte {
	b, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return b
}

func EncodeBroadcastFrame(message *ServerBroadcast, volatile bool) ([]byte, error) {
	frame, err := ToBroadcastFrame(message, volatile)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(frame)
}

// DecodeFrame decodes one wire message. The frame type for broadcast flavors
// is returned so the relay can route without inspecting the payload.
func DecodeFrame(b []byte) (any, FrameType, error) {
	frame := &Frame{}
	if err := cbor.Unmarshal(b, frame); err != nil {
		return nil, 0, err
	}
	message, err := FromFrame(frame)
	if err != nil {
		return nil, 0, err
	}
	return message, frame.Type, nil
}
