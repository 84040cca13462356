package collab

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// Binary attachments referenced from element payloads live in a prefix-scoped
// blob store. Per-id failures are reported, not thrown: callers get both the
// succeeded and the failed ids and decide what to retry.

type BlobStore interface {
	SaveBlobs(ctx context.Context, prefix string, blobs map[string][]byte) (saved []string, errored []string)
	ListBlobs(ctx context.Context, prefix string) ([]string, error)
	DeleteBlobs(ctx context.Context, prefix string, fileIds []string) (deleted []string, errored []string)
}

// MemoryBlobStore keeps blobs in process, for tests and single-node use.
type MemoryBlobStore struct {
	stateLock sync.Mutex
	// prefix -> file id -> content
	blobs map[string]map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs: map[string]map[string][]byte{},
	}
}

func (self *MemoryBlobStore) SaveBlobs(ctx context.Context, prefix string, blobs map[string][]byte) (saved []string, errored []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	files, ok := self.blobs[prefix]
	if !ok {
		files = map[string][]byte{}
		self.blobs[prefix] = files
	}
	for fileId, content := range blobs {
		files[fileId] = content
		saved = append(saved, fileId)
	}
	sort.Strings(saved)
	return saved, errored
}

func (self *MemoryBlobStore) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fileIds := []string{}
	for fileId := range self.blobs[prefix] {
		fileIds = append(fileIds, fileId)
	}
	sort.Strings(fileIds)
	return fileIds, nil
}

func (self *MemoryBlobStore) DeleteBlobs(ctx context.Context, prefix string, fileIds []string) (deleted []string, errored []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	files := self.blobs[prefix]
	for _, fileId := range fileIds {
		if _, ok := files[fileId]; ok {
			delete(files, fileId)
			deleted = append(deleted, fileId)
		} else {
			errored = append(errored, fileId)
		}
	}
	return deleted, errored
}

// RedisBlobStore stores each blob under `collab:blob:<prefix>:<fileId>`.
type RedisBlobStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisBlobStore(client *redis.Client) *RedisBlobStore {
	return &RedisBlobStore{
		client:    client,
		keyPrefix: "collab:blob:",
	}
}

func (self *RedisBlobStore) blobKey(prefix string, fileId string) string {
	return self.keyPrefix + prefix + ":" + fileId
}

func (self *RedisBlobStore) SaveBlobs(ctx context.Context, prefix string, blobs map[string][]byte) (saved []string, errored []string) {
	for fileId, content := range blobs {
		if err := self.client.Set(ctx, self.blobKey(prefix, fileId), content, 0).Err(); err != nil {
			glog.Infof("[bs]save error %s/%s = %s\n", prefix, fileId, err)
			errored = append(errored, fileId)
		} else {
			saved = append(saved, fileId)
		}
	}
	sort.Strings(saved)
	sort.Strings(errored)
	return saved, errored
}

func (self *RedisBlobStore) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	pattern := self.blobKey(prefix, "*")
	fileIds := []string{}
	iter := self.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fileIds = append(fileIds, strings.TrimPrefix(key, self.keyPrefix+prefix+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(fileIds)
	return fileIds, nil
}

func (self *RedisBlobStore) DeleteBlobs(ctx context.Context, prefix string, fileIds []string) (deleted []string, errored []string) {
	for _, fileId := range fileIds {
		removed, err := self.client.Del(ctx, self.blobKey(prefix, fileId)).Result()
		if err != nil || removed == 0 {
			errored = append(errored, fileId)
		} else {
			deleted = append(deleted, fileId)
		}
	}
	return deleted, errored
}
