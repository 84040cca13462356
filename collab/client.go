package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// CollabClient runs the client side of a collaboration session: the
// persistent relay connection with reconnect, encryption of outbound scene
// state, reconciliation of inbound payloads, and the debounced push of the
// converged scene through the persistent store.
//
// The local working set is authoritative and local-first: no sync failure of
// any kind blocks or rolls back a local edit.

type CollabClientSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// quiet period before the reconciled scene is pushed to the store.
	// a newer edit supersedes a pending push, it does not queue another.
	SaveDebounce time.Duration
	// budget for the best-effort save on Close
	UnloadSaveTimeout  time.Duration
	SendBufferSize     int
	VolatileBufferSize int
	TombstoneTtl       time.Duration
}

func DefaultCollabClientSettings() *CollabClientSettings {
	return &CollabClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SaveDebounce:       300 * time.Millisecond,
		UnloadSaveTimeout:  2 * time.Second,
		SendBufferSize:     64,
		VolatileBufferSize: 8,
		TombstoneTtl:       DefaultTombstoneTtl,
	}
}

// CollabCallbacks are invoked from the session goroutines.
// Panics inside a callback are suppressed; they never take the session down.
type CollabCallbacks struct {
	OnSceneUpdate    func(elements []*Element)
	OnFirstInRoom    func()
	OnRoomUserChange func(userIds []Id)
	OnFollowChange   func(followerIds []Id)
	OnPointerUpdate  func(update *PointerUpdate)
}

// PointerUpdate is ephemeral presence data. It rides the volatile path only
// and convergence never depends on it.
type PointerUpdate struct {
	UserId Id      `cbor:"userId"`
	X      float64 `cbor:"x"`
	Y      float64 `cbor:"y"`
	Tool   string  `cbor:"tool,omitempty"`
}

// sessionUpdate is the plaintext envelope inside every wire payload.
// The relay only ever sees the sealed form.
type sessionUpdate struct {
	SceneElements []*Element     `cbor:"sceneElements,omitempty"`
	Pointer       *PointerUpdate `cbor:"pointer,omitempty"`
}

type CollabClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	roomId   string
	key      RoomKey

	// optional, nil disables persistence
	sceneStore *SceneStore

	settings  *CollabClientSettings
	callbacks *CollabCallbacks

	syncCache *SceneVersionCache

	stateLock sync.Mutex
	elements  map[string]*Element
	userId    Id
	conn      *clientConn
	saveTimer *time.Timer
}

func NewCollabClientWithDefaults(
	ctx context.Context,
	relayUrl string,
	roomId string,
	key RoomKey,
	sceneStore *SceneStore,
	callbacks *CollabCallbacks,
) *CollabClient {
	return NewCollabClient(ctx, relayUrl, roomId, key, sceneStore, callbacks, DefaultCollabClientSettings())
}

func NewCollabClient(
	ctx context.Context,
	relayUrl string,
	roomId string,
	key RoomKey,
	sceneStore *SceneStore,
	callbacks *CollabCallbacks,
	settings *CollabClientSettings,
) *CollabClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	if callbacks == nil {
		callbacks = &CollabCallbacks{}
	}
	client := &CollabClient{
		ctx:        cancelCtx,
		cancel:     cancel,
		relayUrl:   relayUrl,
		roomId:     roomId,
		key:        key,
		sceneStore: sceneStore,
		settings:   settings,
		callbacks:  callbacks,
		syncCache:  NewSceneVersionCache(),
		elements:   map[string]*Element{},
	}
	go client.run()
	return client
}

type clientConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	// local per-connection handle, keys the scene version cache
	connId Id
	ws     *websocket.Conn

	send     chan []byte
	volatile chan []byte
}

func (self *CollabClient) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
		if err != nil {
			glog.Infof("[c]connect error %s = %s\n", self.roomId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.runConn(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *CollabClient) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	conn := &clientConn{
		ctx:      handleCtx,
		cancel:   handleCancel,
		connId:   NewId(),
		ws:       ws,
		send:     make(chan []byte, self.settings.SendBufferSize),
		volatile: make(chan []byte, self.settings.VolatileBufferSize),
	}

	self.stateLock.Lock()
	self.conn = conn
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
		}
		self.stateLock.Unlock()
		// no message queue survives the connection.
		// recovery is rejoin plus full resync
		self.syncCache.Forget(conn.connId)
	}()

	go self.runWriter(conn)
	go func() {
		defer handleCancel()
		self.runReader(conn)
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *CollabClient) runWriter(conn *clientConn) {
	defer conn.cancel()

	write := func(messageBytes []byte) bool {
		conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := conn.ws.WriteMessage(websocket.BinaryMessage, messageBytes); err != nil {
			glog.V(1).Infof("[cw]%s-> error = %s\n", self.roomId, err)
			return false
		}
		return true
	}

	for {
		select {
		case <-conn.ctx.Done():
			return
		case messageBytes := <-conn.send:
			if !write(messageBytes) {
				return
			}
			continue
		default:
		}

		select {
		case <-conn.ctx.Done():
			return
		case messageBytes := <-conn.send:
			if !write(messageBytes) {
				return
			}
		case messageBytes := <-conn.volatile:
			if !write(messageBytes) {
				return
			}
		case <-time.After(self.settings.PingTimeout):
			if !write(make([]byte, 0)) {
				return
			}
		}
	}
}

func (self *CollabClient) runReader(conn *clientConn) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		default:
		}

		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := conn.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[cr]%s<- error = %s\n", self.roomId, err)
			return
		}
		if messageType != websocket.BinaryMessage || len(messageBytes) == 0 {
			continue
		}

		message, _, err := DecodeFrame(messageBytes)
		if err != nil {
			glog.V(1).Infof("[cr]malformed drop %s<- = %s\n", self.roomId, err)
			continue
		}

		switch v := message.(type) {
		case *InitRoom:
			self.stateLock.Lock()
			self.userId = v.UserId
			self.stateLock.Unlock()
			self.enqueueReliable(conn, RequireEncodeFrame(&JoinRoom{
				RoomId: self.roomId,
			}))
			// rejoin complete, resync off the reader
			go HandleError(func() {
				self.resync(conn)
			})
		case *FirstInRoom:
			self.notify(func() {
				if self.callbacks.OnFirstInRoom != nil {
					self.callbacks.OnFirstInRoom()
				}
			})
		case *RoomUserChange:
			userIds := v.UserIds
			self.notify(func() {
				if self.callbacks.OnRoomUserChange != nil {
					self.callbacks.OnRoomUserChange(userIds)
				}
			})
		case *UserFollowRoomChange:
			followerIds := v.FollowerIds
			self.notify(func() {
				if self.callbacks.OnFollowChange != nil {
					self.callbacks.OnFollowChange(followerIds)
				}
			})
		case *ClientBroadcast:
			self.receivePayload(v.Iv, v.Ciphertext)
		default:
			glog.V(1).Infof("[cr]unexpected frame drop %s<-\n", self.roomId)
		}
	}
}

// receivePayload decrypts and applies one relayed payload. A payload that
// does not decrypt is skipped; it is fatal for that payload only, never for
// the session or the process.
func (self *CollabClient) receivePayload(iv []byte, ciphertext []byte) {
	plaintext, err := openBytes(iv, ciphertext, self.key)
	if err != nil {
		glog.Infof("[cr]payload decrypt skip %s = %s\n", self.roomId, err)
		return
	}
	update := &sessionUpdate{}
	if err := cbor.Unmarshal(plaintext, update); err != nil {
		glog.Infof("[cr]payload decode skip %s = %s\n", self.roomId, err)
		return
	}

	if update.Pointer != nil {
		pointer := update.Pointer
		self.notify(func() {
			if self.callbacks.OnPointerUpdate != nil {
				self.callbacks.OnPointerUpdate(pointer)
			}
		})
	}
	if update.SceneElements != nil {
		merged, changed := self.mergeElements(update.SceneElements)
		if changed {
			self.notifySceneUpdate(merged)
			self.scheduleSave()
		}
	}
}

// mergeElements reconciles incoming elements into the local working set.
// changed is per element: a remote copy that wins on the nonce alone still
// replaces the local one and must still notify and persist.
func (self *CollabClient) mergeElements(remote []*Element) ([]*Element, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	local := make([]*Element, 0, len(self.elements))
	for _, element := range self.elements {
		local = append(local, element)
	}
	merged := Reconcile(local, remote)
	changed := len(merged) != len(local)
	next := map[string]*Element{}
	for _, element := range merged {
		next[element.Id] = element
		if current, ok := self.elements[element.Id]; !ok ||
			current.Version != element.Version ||
			current.VersionNonce != element.VersionNonce {
			changed = true
		}
	}
	self.elements = next
	return merged, changed
}

func (self *CollabClient) snapshot() []*Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	elements := make([]*Element, 0, len(self.elements))
	for _, element := range self.elements {
		elements = append(elements, element)
	}
	return Reconcile(elements, nil)
}

// UserId returns the relay-assigned handle, zero until the first init-room.
func (self *CollabClient) UserId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userId
}

// Elements returns the merge-visible working set, tombstones included.
func (self *CollabClient) Elements() []*Element {
	return self.snapshot()
}

// UpdateScene applies a local edit. The caller produces mutated copies via
// NewElement, MutateElement, or DeleteElement so versions and nonces are
// already bumped. The edit lands locally first, then broadcasts unless the
// scene version is already synchronized, then schedules the debounced push.
func (self *CollabClient) UpdateScene(elements []*Element) {
	self.mergeElements(elements)
	self.broadcastScene(false)
	self.scheduleSave()
}

func (self *CollabClient) broadcastScene(force bool) {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		// disconnected. the resync on reconnect covers this scene
		return
	}

	elements := self.snapshot()
	if !force && self.syncCache.IsSynced(conn.connId, elements) {
		glog.V(2).Infof("[c]skip synced broadcast %s\n", self.roomId)
		return
	}

	frameBytes, err := self.encodeBroadcast(&sessionUpdate{
		SceneElements: elements,
	}, false)
	if err != nil {
		glog.Infof("[c]broadcast encode error %s = %s\n", self.roomId, err)
		return
	}
	if self.enqueueReliable(conn, frameBytes) {
		self.syncCache.MarkSynced(conn.connId, elements)
	}
}

// BroadcastPointer shares ephemeral cursor state over the volatile path.
// Losses are expected and harmless.
func (self *CollabClient) BroadcastPointer(x float64, y float64, tool string) {
	self.stateLock.Lock()
	conn := self.conn
	userId := self.userId
	self.stateLock.Unlock()
	if conn == nil {
		return
	}

	frameBytes, err := self.encodeBroadcast(&sessionUpdate{
		Pointer: &PointerUpdate{
			UserId: userId,
			X:      x,
			Y:      y,
			Tool:   tool,
		},
	}, true)
	if err != nil {
		return
	}
	select {
	case conn.volatile <- frameBytes:
	default:
		// backpressure, drop
	}
}

func (self *CollabClient) encodeBroadcast(update *sessionUpdate, volatile bool) ([]byte, error) {
	plaintext, err := cbor.Marshal(update)
	if err != nil {
		return nil, err
	}
	ciphertext, iv, err := sealBytes(self.key, plaintext)
	if err != nil {
		return nil, err
	}
	return EncodeBroadcastFrame(&ServerBroadcast{
		RoomId:     self.roomId,
		Ciphertext: ciphertext,
		Iv:         iv,
	}, volatile)
}

func (self *CollabClient) enqueueReliable(conn *clientConn, frameBytes []byte) bool {
	select {
	case conn.send <- frameBytes:
		return true
	default:
		glog.Infof("[c]send buffer full %s\n", self.roomId)
		return false
	}
}

// Follow starts tracking the target's viewport.
func (self *CollabClient) Follow(targetId Id) {
	self.sendFollow(FollowActionFollow, targetId)
}

func (self *CollabClient) Unfollow(targetId Id) {
	self.sendFollow(FollowActionUnfollow, targetId)
}

func (self *CollabClient) sendFollow(action FollowAction, targetId Id) {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		return
	}
	self.enqueueReliable(conn, RequireEncodeFrame(&UserFollow{
		Action: action,
		Target: targetId,
	}))
}

// resync runs after every (re)join: merge the canonical stored scene with the
// local working set, write the result back, and broadcast the full scene so
// peers converge even if messages were lost while disconnected.
func (self *CollabClient) resync(conn *clientConn) {
	if self.sceneStore != nil {
		merged, err := self.sceneStore.Save(self.ctx, self.roomId, self.snapshot(), self.key)
		if err != nil {
			// local set stays authoritative, the next push retries
			glog.Infof("[c]resync save error %s = %s\n", self.roomId, err)
		} else {
			merged, changed := self.mergeElements(merged)
			if changed {
				self.notifySceneUpdate(merged)
			}
		}
	}
	self.broadcastScene(true)
}

// scheduleSave arms the debounced persistence push. An already pending push
// is superseded, not queued.
func (self *CollabClient) scheduleSave() {
	if self.sceneStore == nil {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.saveTimer != nil {
		self.saveTimer.Stop()
	}
	self.saveTimer = time.AfterFunc(self.settings.SaveDebounce, func() {
		HandleError(func() {
			self.flushSave(self.ctx)
		})
	})
}

func (self *CollabClient) flushSave(ctx context.Context) {
	if self.sceneStore == nil {
		return
	}
	merged, err := self.sceneStore.Save(ctx, self.roomId, self.snapshot(), self.key)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			glog.Infof("[c]save error %s = %s\n", self.roomId, err)
		}
		return
	}
	merged, changed := self.mergeElements(merged)
	if changed {
		self.notifySceneUpdate(merged)
	}
}

// PruneTombstones drops expired tombstones from the working set.
func (self *CollabClient) PruneTombstones(now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for id, element := range self.elements {
		if element.Deleted && element.DeletedAt < now.Add(-self.settings.TombstoneTtl).UnixMilli() {
			delete(self.elements, id)
		}
	}
}

func (self *CollabClient) notifySceneUpdate(elements []*Element) {
	self.notify(func() {
		if self.callbacks.OnSceneUpdate != nil {
			self.callbacks.OnSceneUpdate(elements)
		}
	})
}

func (self *CollabClient) notify(do func()) {
	HandleError(do)
}

// Close tears the session down. A final save is attempted best-effort with a
// short budget and its failure swallowed; durability of an unload-time save
// is never guaranteed.
func (self *CollabClient) Close() {
	self.stateLock.Lock()
	if self.saveTimer != nil {
		self.saveTimer.Stop()
		self.saveTimer = nil
	}
	self.stateLock.Unlock()

	self.cancel()

	if self.sceneStore != nil {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), self.settings.UnloadSaveTimeout)
		defer saveCancel()
		HandleError(func() {
			self.flushSave(saveCtx)
		})
	}
}
