package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSceneStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := GenerateRoomKey()
	store := NewSceneStoreWithDefaults(NewMemoryDocumentStore())

	// no record yet
	elements, err := store.Load(ctx, "room-1", key)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(elements))

	saved := []*Element{testElement("e1", 1, 1), testElement("e2", 2, 2)}
	merged, err := store.Save(ctx, "room-1", saved, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, Reconcile(saved, nil), merged)

	loaded, err := store.Load(ctx, "room-1", key)
	assert.Equal(t, nil, err)
	assert.Equal(t, merged, loaded)
}

func TestSceneStoreWrongKey(t *testing.T) {
	ctx := context.Background()
	key := GenerateRoomKey()
	store := NewSceneStoreWithDefaults(NewMemoryDocumentStore())

	_, err := store.Save(ctx, "room-2", []*Element{testElement("e1", 1, 1)}, key)
	assert.Equal(t, nil, err)

	_, err = store.Load(ctx, "room-2", GenerateRoomKey())
	assert.Equal(t, true, errors.Is(err, ErrDecryption))
}

// a save that lands after another writer merges the concurrent edits instead
// of discarding them
func TestSceneStoreMergesConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	key := GenerateRoomKey()
	documents := NewMemoryDocumentStore()

	store1 := NewSceneStoreWithDefaults(documents)
	store2 := NewSceneStoreWithDefaults(documents)

	e1 := testElement("e1", 1, 1)
	e2 := testElement("e2", 1, 1)

	_, err := store1.Save(ctx, "room-3", []*Element{e1}, key)
	assert.Equal(t, nil, err)

	merged, err := store2.Save(ctx, "room-3", []*Element{e2}, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(merged))

	loaded, err := store1.Load(ctx, "room-3", key)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(loaded))
}

// raceDocumentStore injects a competing write between the read and the
// conditional write to force the version-conflict retry path
type raceDocumentStore struct {
	*MemoryDocumentStore
	key       RoomKey
	racesLeft int
}

func (self *raceDocumentStore) UpdateDocument(ctx context.Context, scene *StoredScene, expectVersion int64) error {
	if 0 < self.racesLeft {
		self.racesLeft -= 1
		racer := testElement("racer", 10, 1)
		current, err := self.MemoryDocumentStore.GetDocument(ctx, scene.RoomId)
		if err != nil {
			return err
		}
		stored, err := DecryptElements(current.Iv, current.Ciphertext, self.key)
		if err != nil {
			return err
		}
		merged := Reconcile(stored, []*Element{racer})
		ciphertext, iv, err := EncryptElements(self.key, merged)
		if err != nil {
			return err
		}
		race := &StoredScene{
			RoomId:       scene.RoomId,
			SceneVersion: SceneVersion(merged),
			Ciphertext:   ciphertext,
			Iv:           iv,
			CreatedAt:    current.CreatedAt,
			UpdatedAt:    current.UpdatedAt,
		}
		if err := self.MemoryDocumentStore.UpdateDocument(ctx, race, current.SceneVersion); err != nil {
			return err
		}
	}
	return self.MemoryDocumentStore.UpdateDocument(ctx, scene, expectVersion)
}

func TestSceneStoreRetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	key := GenerateRoomKey()
	documents := &raceDocumentStore{
		MemoryDocumentStore: NewMemoryDocumentStore(),
		key:                 key,
		racesLeft:           2,
	}
	store := NewSceneStoreWithDefaults(documents)

	_, err := store.Save(ctx, "room-4", []*Element{testElement("e1", 1, 1)}, key)
	assert.Equal(t, nil, err)

	// the racing writer keeps beating us, the retry loop merges its edits in
	merged, err := store.Save(ctx, "room-4", []*Element{testElement("e2", 1, 1)}, key)
	assert.Equal(t, nil, err)

	ids := map[string]bool{}
	for _, element := range merged {
		ids[element.Id] = true
	}
	assert.Equal(t, true, ids["e1"])
	assert.Equal(t, true, ids["e2"])
	assert.Equal(t, true, ids["racer"])
}

func TestMemoryDocumentStoreConditionalWrite(t *testing.T) {
	ctx := context.Background()
	documents := NewMemoryDocumentStore()

	scene := &StoredScene{
		RoomId:       "room-5",
		SceneVersion: 1,
		Ciphertext:   []byte("ct"),
		Iv:           []byte("iv"),
	}
	assert.Equal(t, nil, documents.CreateDocument(ctx, scene))
	// double create conflicts
	assert.Equal(t, true, errors.Is(documents.CreateDocument(ctx, scene), ErrVersionConflict))

	next := &StoredScene{
		RoomId:       "room-5",
		SceneVersion: 2,
		Ciphertext:   []byte("ct2"),
		Iv:           []byte("iv2"),
	}
	// stale expectation conflicts
	assert.Equal(t, true, errors.Is(documents.UpdateDocument(ctx, next, 7), ErrVersionConflict))
	assert.Equal(t, nil, documents.UpdateDocument(ctx, next, 1))

	current, err := documents.GetDocument(ctx, "room-5")
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(2), current.SceneVersion)
}

// many uncoordinated writers against the same room all converge without
// losing any element
func TestSceneStoreParallelWriters(t *testing.T) {
	ctx := context.Background()
	key := GenerateRoomKey()
	documents := NewMemoryDocumentStore()

	n := 16
	wg := sync.WaitGroup{}
	saveErrors := make(chan error, n)
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := NewSceneStore(documents, &SceneStoreSettings{
				MaxWriteAttempts: 100,
			})
			elements := []*Element{testElement(string(rune('a'+i)), 1, int64(i+1))}
			_, err := store.Save(ctx, "room-6", elements, key)
			saveErrors <- err
		}(i)
	}
	wg.Wait()
	close(saveErrors)
	for err := range saveErrors {
		assert.Equal(t, nil, err)
	}

	store := NewSceneStoreWithDefaults(documents)
	loaded, err := store.Load(ctx, "room-6", key)
	assert.Equal(t, nil, err)
	assert.Equal(t, n, len(loaded))
}
