package collab

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// The relay forwards opaque encrypted payloads between the members of a room.
// It never holds a room key and never inspects a payload.
//
// All room, membership, and follow state is owned by a single coordinator
// goroutine. Connection readers post operations to the coordinator; every
// operation is short and non-blocking, so no locking is needed for relay
// state and a slow connection cannot stall the others. Peer writes go through
// buffered per-connection channels: the reliable channel disconnects a peer
// that stays backed up, the volatile channel drops silently.

type RelaySettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	// reliable sends queued per connection before it is considered stalled
	SendBufferSize int
	// volatile sends queued per connection before drops start
	VolatileBufferSize int
	MaxPayloadSize     ByteCount
	OpBufferSize       int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
		SendBufferSize:     64,
		VolatileBufferSize: 8,
		MaxPayloadSize:     mib(1),
		OpBufferSize:       256,
	}
}

type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelaySettings

	ops chan func()

	// coordinator-owned state. never touched outside run()
	rooms     map[string]*room
	connRooms map[Id]*room
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	relay := &Relay{
		ctx:       cancelCtx,
		cancel:    cancel,
		settings:  settings,
		ops:       make(chan func(), settings.OpBufferSize),
		rooms:     map[string]*room{},
		connRooms: map[Id]*room{},
	}
	go relay.run()
	return relay
}

func (self *Relay) run() {
	for {
		select {
		case <-self.ctx.Done():
			for _, r := range self.rooms {
				for _, conn := range r.members {
					conn.close()
				}
			}
			self.rooms = map[string]*room{}
			self.connRooms = map[Id]*room{}
			return
		case op := <-self.ops:
			op()
		}
	}
}

func (self *Relay) post(op func()) {
	select {
	case <-self.ctx.Done():
	case self.ops <- op:
	}
}

func (self *Relay) Close() {
	self.cancel()
}

// RoomCount is a point-in-time view for the status surface.
func (self *Relay) RoomCount() int {
	count := make(chan int, 1)
	self.post(func() {
		count <- len(self.rooms)
	})
	select {
	case <-self.ctx.Done():
		return 0
	case c := <-count:
		return c
	}
}

// Router exposes the relay over http: the websocket sync endpoint plus a
// status probe, with request logging middleware.
func (self *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			glog.V(1).Infof("[r]%s %s status=%d duration=%s\n", r.Method, r.URL.Path, m.Code, m.Duration)
		})
	})
	router.HandleFunc("/sync", self.ServeWs).Methods(http.MethodGet)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return router
}

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// payloads are opaque ciphertext, cross-origin reads reveal nothing
		return true
	},
}

// ServeWs upgrades the request and runs the connection until it drops.
// The assigned connection handle is pushed to the client immediately.
func (self *Relay) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]upgrade error = %s\n", err)
		return
	}

	connCtx, connCancel := context.WithCancel(self.ctx)
	conn := &relayConn{
		ctx:      connCtx,
		cancel:   connCancel,
		connId:   NewId(),
		ws:       ws,
		send:     make(chan []byte, self.settings.SendBufferSize),
		volatile: make(chan []byte, self.settings.VolatileBufferSize),
	}

	initBytes, err := EncodeFrame(&InitRoom{
		UserId: conn.connId,
	})
	if err != nil {
		glog.Infof("[r]init encode error = %s\n", err)
		ws.Close()
		connCancel()
		return
	}
	conn.send <- initBytes

	go conn.runWriter(self.settings)
	go func() {
		defer func() {
			connCancel()
			ws.Close()
			self.post(func() {
				self.leave(conn)
			})
		}()
		conn.runReader(self)
	}()
}

// reliable path. a connection that stays backed up past its buffer is
// disconnected rather than allowed to stall the coordinator.
func (self *Relay) sendReliable(conn *relayConn, frameBytes []byte) {
	select {
	case conn.send <- frameBytes:
	default:
		glog.Infof("[r]backpressure, disconnecting %s\n", conn.connId)
		conn.close()
	}
}

// volatile path. silently dropped under backpressure.
func (self *Relay) sendVolatile(conn *relayConn, frameBytes []byte) {
	select {
	case conn.volatile <- frameBytes:
	default:
		glog.V(2).Infof("[r]volatile drop %s\n", conn.connId)
	}
}

// coordinator ops

// join adds the connection to the room, creating it on first join.
// A connection belongs to at most one room; joining another room leaves the
// current one first.
func (self *Relay) join(conn *relayConn, roomId string) {
	if current, ok := self.connRooms[conn.connId]; ok {
		if current.roomId == roomId {
			return
		}
		self.leave(conn)
	}

	r, ok := self.rooms[roomId]
	if !ok {
		r = newRoom(roomId)
		self.rooms[roomId] = r
		glog.V(1).Infof("[r]room create %s\n", roomId)
	}
	r.members[conn.connId] = conn
	self.connRooms[conn.connId] = r

	if len(r.members) == 1 {
		self.sendReliable(conn, RequireEncodeFrame(&FirstInRoom{}))
		return
	}

	newUserBytes := RequireEncodeFrame(&NewUser{
		UserId: conn.connId,
	})
	for memberId, member := range r.members {
		if memberId != conn.connId {
			self.sendReliable(member, newUserBytes)
		}
	}
	self.broadcastMembership(r)
}

func (self *Relay) broadcastMembership(r *room) {
	memberBytes := RequireEncodeFrame(&RoomUserChange{
		UserIds: r.memberIds(),
	})
	for _, member := range r.members {
		self.sendReliable(member, memberBytes)
	}
}

// broadcast forwards the pre-encoded relayed frame to every other member of
// the sender's room. FIFO per sender, no cross-sender ordering, no retry.
func (self *Relay) broadcast(conn *relayConn, roomId string, frameBytes []byte, volatile bool) {
	r, ok := self.connRooms[conn.connId]
	if !ok || r.roomId != roomId {
		// not joined to that room, drop
		glog.V(1).Infof("[r]broadcast drop, %s not in %s\n", conn.connId, roomId)
		return
	}
	for memberId, member := range r.members {
		if memberId == conn.connId {
			continue
		}
		if volatile {
			self.sendVolatile(member, frameBytes)
		} else {
			self.sendReliable(member, frameBytes)
		}
	}
}

func (self *Relay) follow(conn *relayConn, action FollowAction, targetId Id) {
	r, ok := self.connRooms[conn.connId]
	if !ok {
		return
	}

	affected := []Id{}
	switch action {
	case FollowActionFollow:
		if _, ok := r.members[targetId]; !ok {
			// target is not a member, drop
			return
		}
		previousTargetId, hadPrevious := r.follows.follow(conn.connId, targetId)
		affected = append(affected, targetId)
		if hadPrevious && previousTargetId != targetId {
			affected = append(affected, previousTargetId)
		}
	case FollowActionUnfollow:
		if targetId, ok := r.follows.unfollow(conn.connId); ok {
			affected = append(affected, targetId)
		}
	default:
		return
	}

	self.pushFollowerLists(r, affected)
}

func (self *Relay) pushFollowerLists(r *room, targetIds []Id) {
	for _, targetId := range targetIds {
		member, ok := r.members[targetId]
		if !ok {
			continue
		}
		self.sendReliable(member, RequireEncodeFrame(&UserFollowRoomChange{
			FollowerIds: r.follows.followersOf(targetId),
		}))
	}
}

// leave removes the connection from its room and from the follow graph both
// as follower and as followed. Empty rooms are discarded with their state.
func (self *Relay) leave(conn *relayConn) {
	r, ok := self.connRooms[conn.connId]
	if !ok {
		return
	}
	delete(self.connRooms, conn.connId)
	delete(r.members, conn.connId)
	affected := r.follows.remove(conn.connId)

	if len(r.members) == 0 {
		delete(self.rooms, r.roomId)
		glog.V(1).Infof("[r]room destroy %s\n", r.roomId)
		return
	}
	self.pushFollowerLists(r, affected)
	self.broadcastMembership(r)
}

type relayConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	connId Id
	ws     *websocket.Conn

	send     chan []byte
	volatile chan []byte

	closeOnce sync.Once
}

func (self *relayConn) close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.ws.Close()
	})
}

// runReader parses frames and posts operations to the coordinator.
// A malformed or oversized message is dropped and the connection kept;
// it must never affect the process or unrelated rooms.
func (self *relayConn) runReader(relay *Relay) {
	settings := relay.settings
	// hard cap well above the drop threshold to bound memory
	self.ws.SetReadLimit(4 * settings.MaxPayloadSize)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		messageType, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[rr]%s<- error = %s\n", self.connId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(messageBytes) == 0 {
			// keepalive
			continue
		}
		if settings.MaxPayloadSize < ByteCount(len(messageBytes)) {
			glog.Infof("[rr]oversized drop %s<- %d\n", self.connId, len(messageBytes))
			continue
		}

		message, frameType, err := DecodeFrame(messageBytes)
		if err != nil {
			glog.V(1).Infof("[rr]malformed drop %s<- = %s\n", self.connId, err)
			continue
		}

		switch v := message.(type) {
		case *JoinRoom:
			roomId := v.RoomId
			if roomId == "" {
				continue
			}
			relay.post(func() {
				relay.join(self, roomId)
			})
		case *ServerBroadcast:
			// re-encode for the peers outside the coordinator
			relayBytes, err := EncodeFrame(&ClientBroadcast{
				Ciphertext: v.Ciphertext,
				Iv:         v.Iv,
			})
			if err != nil {
				continue
			}
			roomId := v.RoomId
			volatile := frameType == FrameTypeServerVolatileBroadcast
			relay.post(func() {
				relay.broadcast(self, roomId, relayBytes, volatile)
			})
		case *UserFollow:
			action := v.Action
			targetId := v.Target
			relay.post(func() {
				relay.follow(self, action, targetId)
			})
		default:
			// server-originated frame types are not valid from clients
			glog.V(1).Infof("[rr]unexpected frame drop %s<- type=%d\n", self.connId, frameType)
		}
	}
}

// runWriter drains the send channels. Reliable frames take priority and are
// written in queue order; an idle connection gets an empty keepalive message.
func (self *relayConn) runWriter(settings *RelaySettings) {
	defer self.close()

	write := func(messageBytes []byte) bool {
		self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
		if err := self.ws.WriteMessage(websocket.BinaryMessage, messageBytes); err != nil {
			glog.V(1).Infof("[rw]%s-> error = %s\n", self.connId, err)
			return false
		}
		return true
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case messageBytes := <-self.send:
			if !write(messageBytes) {
				return
			}
			continue
		default:
		}

		select {
		case <-self.ctx.Done():
			return
		case messageBytes := <-self.send:
			if !write(messageBytes) {
				return
			}
		case messageBytes := <-self.volatile:
			if !write(messageBytes) {
				return
			}
		case <-time.After(settings.PingTimeout):
			if !write(make([]byte, 0)) {
				return
			}
		}
	}
}
