package mock

import (
	"context"
	"sync"

	"github.com/NikoToRA/telreq-sub001/pkg/store"
)

// BlobStore keeps uploads in memory. FailNext makes the next N puts fail so
// tests can exercise the sync retry path.
type BlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failNext int
	putErr   error
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

func (b *BlobStore) Name() string { return "mock_blob" }

func (b *BlobStore) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
	b.putErr = err
}

func (b *BlobStore) Put(ctx context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return b.putErr
	}
	b.objects[key] = append([]byte(nil), payload...)
	return nil
}

func (b *BlobStore) Get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[key]
	return v, ok
}

func (b *BlobStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

var _ store.BlobStore = (*BlobStore)(nil)
