package collab

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemoryBlobStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBlobStore()

	saved, errored := store.SaveBlobs(ctx, "rooms/room-1", map[string][]byte{
		"file-b": []byte("bbb"),
		"file-a": []byte("aaa"),
	})
	assert.Equal(t, []string{"file-a", "file-b"}, saved)
	assert.Equal(t, 0, len(errored))

	fileIds, err := store.ListBlobs(ctx, "rooms/room-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"file-a", "file-b"}, fileIds)

	// prefixes are scoped
	fileIds, err = store.ListBlobs(ctx, "rooms/room-2")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(fileIds))

	// partial failure is reported, not thrown
	deleted, errored := store.DeleteBlobs(ctx, "rooms/room-1", []string{"file-a", "missing"})
	assert.Equal(t, []string{"file-a"}, deleted)
	assert.Equal(t, []string{"missing"}, errored)

	fileIds, err = store.ListBlobs(ctx, "rooms/room-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"file-b"}, fileIds)
}
