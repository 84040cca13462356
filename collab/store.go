package collab

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// StoredScene is the durable unit: one record per room, looked up by room id.
// The payload is ciphertext; the store never observes the room key.
type StoredScene struct {
	RoomId       string
	SceneVersion int64
	Ciphertext   []byte
	Iv           []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var ErrSceneNotFound = errors.New("scene not found")

// ErrVersionConflict means another writer updated the record since it was
// read. Resolved internally by the reconcile-then-write loop, never surfaced
// to the user.
var ErrVersionConflict = errors.New("scene version conflict")

// DocumentStore is the generic record store the scene adapter writes through.
// The store is eventually consistent and offers no transactions; the only
// coordination primitive is the conditional update on SceneVersion.
type DocumentStore interface {
	GetDocument(ctx context.Context, roomId string) (*StoredScene, error)
	// fails with ErrVersionConflict when a record already exists
	CreateDocument(ctx context.Context, scene *StoredScene) error
	// fails with ErrVersionConflict unless the stored SceneVersion
	// still equals expectVersion
	UpdateDocument(ctx context.Context, scene *StoredScene, expectVersion int64) error
}

type SceneStoreSettings struct {
	// attempts of the read-reconcile-write loop before giving up
	MaxWriteAttempts int
}

func DefaultSceneStoreSettings() *SceneStoreSettings {
	return &SceneStoreSettings{
		MaxWriteAttempts: 8,
	}
}

// SceneStore performs the encrypted, optimistically-concurrent read-modify-
// write of the canonical scene per room.
type SceneStore struct {
	documents DocumentStore
	settings  *SceneStoreSettings
}

func NewSceneStoreWithDefaults(documents DocumentStore) *SceneStore {
	return NewSceneStore(documents, DefaultSceneStoreSettings())
}

func NewSceneStore(documents DocumentStore, settings *SceneStoreSettings) *SceneStore {
	return &SceneStore{
		documents: documents,
		settings:  settings,
	}
}

// Load returns the stored element set for the room, or nil when no scene has
// been persisted yet. A stored scene that does not decrypt with the given key
// returns ErrDecryption.
func (self *SceneStore) Load(ctx context.Context, roomId string, key RoomKey) ([]*Element, error) {
	scene, err := self.documents.GetDocument(ctx, roomId)
	if err != nil {
		if errors.Is(err, ErrSceneNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return DecryptElements(scene.Iv, scene.Ciphertext, key)
}

// Save writes the element set as the canonical scene for the room.
//
// Before every overwrite the currently stored record is re-read, decrypted,
// and reconciled against the caller's set, so a write that raced with another
// writer merges the concurrent edits instead of silently discarding them.
// This substitutes for the transactional guarantee the store does not
// provide. The returned set is the post-write authoritative one, possibly
// larger than the input.
func (self *SceneStore) Save(ctx context.Context, roomId string, elements []*Element, key RoomKey) ([]*Element, error) {
	var returnErr error
	for i := 0; i < self.settings.MaxWriteAttempts; i += 1 {
		merged, err := self.saveOnce(ctx, roomId, elements, key)
		switch {
		case err == nil:
			return merged, nil
		case errors.Is(err, ErrVersionConflict):
			// racing writer landed first, merge its edits and retry
			glog.V(2).Infof("[ss]write race %s, retrying\n", roomId)
			returnErr = err
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("scene save did not converge: %w", returnErr)
}

func (self *SceneStore) saveOnce(ctx context.Context, roomId string, elements []*Element, key RoomKey) ([]*Element, error) {
	current, err := self.documents.GetDocument(ctx, roomId)
	if err != nil && !errors.Is(err, ErrSceneNotFound) {
		return nil, err
	}

	merged := elements
	now := time.Now()
	scene := &StoredScene{
		RoomId:    roomId,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var expectVersion int64
	if current != nil {
		stored, err := DecryptElements(current.Iv, current.Ciphertext, key)
		if err != nil {
			return nil, err
		}
		merged = Reconcile(stored, elements)
		scene.CreatedAt = current.CreatedAt
		expectVersion = current.SceneVersion
	}

	ciphertext, iv, err := EncryptElements(key, merged)
	if err != nil {
		return nil, err
	}
	scene.SceneVersion = SceneVersion(merged)
	scene.Ciphertext = ciphertext
	scene.Iv = iv

	if current == nil {
		if err := self.documents.CreateDocument(ctx, scene); err != nil {
			return nil, err
		}
	} else {
		if err := self.documents.UpdateDocument(ctx, scene, expectVersion); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// MemoryDocumentStore keeps records in process.
// The default for tests and single-node deployments.
type MemoryDocumentStore struct {
	stateLock sync.Mutex
	scenes    map[string]*StoredScene
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		scenes: map[string]*StoredScene{},
	}
}

func (self *MemoryDocumentStore) GetDocument(ctx context.Context, roomId string) (*StoredScene, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	scene, ok := self.scenes[roomId]
	if !ok {
		return nil, ErrSceneNotFound
	}
	out := *scene
	return &out, nil
}

func (self *MemoryDocumentStore) CreateDocument(ctx context.Context, scene *StoredScene) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.scenes[scene.RoomId]; ok {
		return ErrVersionConflict
	}
	stored := *scene
	self.scenes[scene.RoomId] = &stored
	return nil
}

func (self *MemoryDocumentStore) UpdateDocument(ctx context.Context, scene *StoredScene, expectVersion int64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	current, ok := self.scenes[scene.RoomId]
	if !ok || current.SceneVersion != expectVersion {
		return ErrVersionConflict
	}
	stored := *scene
	stored.CreatedAt = current.CreatedAt
	self.scenes[scene.RoomId] = &stored
	return nil
}

// RedisDocumentStore keeps one hash per room. Conditional writes use
// watch/multi, which fails the exec when a racing writer touches the key.
type RedisDocumentStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisDocumentStore(client *redis.Client) *RedisDocumentStore {
	return &RedisDocumentStore{
		client:    client,
		keyPrefix: "collab:scene:",
	}
}

func (self *RedisDocumentStore) sceneKey(roomId string) string {
	return self.keyPrefix + roomId
}

func (self *RedisDocumentStore) GetDocument(ctx context.Context, roomId string) (*StoredScene, error) {
	values, err := self.client.HGetAll(ctx, self.sceneKey(roomId)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrSceneNotFound
	}
	return sceneFromValues(roomId, values)
}

func (self *RedisDocumentStore) CreateDocument(ctx context.Context, scene *StoredScene) error {
	return self.write(ctx, scene, nil)
}

func (self *RedisDocumentStore) UpdateDocument(ctx context.Context, scene *StoredScene, expectVersion int64) error {
	return self.write(ctx, scene, &expectVersion)
}

func (self *RedisDocumentStore) write(ctx context.Context, scene *StoredScene, expectVersion *int64) error {
	key := self.sceneKey(scene.RoomId)
	err := self.client.Watch(ctx, func(tx *redis.Tx) error {
		currentVersion, err := tx.HGet(ctx, key, "sceneVersion").Result()
		switch {
		case err == redis.Nil:
			if expectVersion != nil {
				return ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			if expectVersion == nil {
				return ErrVersionConflict
			}
			if currentVersion != strconv.FormatInt(*expectVersion, 10) {
				return ErrVersionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"roomId":       scene.RoomId,
				"sceneVersion": strconv.FormatInt(scene.SceneVersion, 10),
				"ciphertext":   base64.StdEncoding.EncodeToString(scene.Ciphertext),
				"iv":           base64.StdEncoding.EncodeToString(scene.Iv),
				"createdAt":    scene.CreatedAt.UTC().Format(time.RFC3339Nano),
				"updatedAt":    scene.UpdatedAt.UTC().Format(time.RFC3339Nano),
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

func sceneFromValues(roomId string, values map[string]string) (*StoredScene, error) {
	sceneVersion, err := strconv.ParseInt(values["sceneVersion"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad stored sceneVersion: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(values["ciphertext"])
	if err != nil {
		return nil, fmt.Errorf("bad stored ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(values["iv"])
	if err != nil {
		return nil, fmt.Errorf("bad stored iv: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, values["createdAt"])
	if err != nil {
		return nil, fmt.Errorf("bad stored createdAt: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, values["updatedAt"])
	if err != nil {
		return nil, fmt.Errorf("bad stored updatedAt: %w", err)
	}
	return &StoredScene{
		RoomId:       roomId,
		SceneVersion: sceneVersion,
		Ciphertext:   ciphertext,
		Iv:           iv,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}
