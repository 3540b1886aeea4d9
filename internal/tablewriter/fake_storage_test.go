package tablewriter

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tablesink/connector/internal/classify"
)

// memStorage is an in-memory Storer fake so the commit/compact/vacuum
// protocol can be exercised without a live S3-compatible endpoint.
type memStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modTimes map[string]time.Time
	failPut  bool
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte), modTimes: make(map[string]time.Time)}
}

func (m *memStorage) PutObject(bucket, key string, body []byte, contentType string) error {
	if m.failPut {
		return classify.Retriablef(classify.CategoryIO, "fake put", errFakePut)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), body...)
	m.objects[bucket+"/"+key] = cp
	m.modTimes[bucket+"/"+key] = time.Now()
	return nil
}

func (m *memStorage) GetObject(bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, classify.Terminalf(classify.CategoryFileNotFound, "fake get", errNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (m *memStorage) ListObjectsV2(bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full := bucket + "/" + prefix
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, full) {
			keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStorage) HeadBucket(bucket string) error { return nil }

func (m *memStorage) DeleteObject(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	delete(m.modTimes, bucket+"/"+key)
	return nil
}

func (m *memStorage) StatObject(bucket, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.modTimes[bucket+"/"+key]
	if !ok {
		return time.Time{}, classify.Terminalf(classify.CategoryFileNotFound, "fake stat", errNotFound)
	}
	return t, nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFakePut = fakeErr("put failed")
const errNotFound = fakeErr("not found")
