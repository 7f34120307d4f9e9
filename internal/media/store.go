// Package media stores media files and describes their contents.
package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("media object not found")

// ContentStore holds the bytes of media files, keyed by path.
type ContentStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
	// URL returns the public URL a stored key is served from.
	URL(key string) string
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewKey builds a unique content store key for an uploaded file name,
// laid out as media/YYYY/MM/<ulid>-<name>.
func NewKey(filename string) string {
	now := time.Now().UTC()
	name := unsafeName.ReplaceAllString(path.Base(strings.ReplaceAll(filename, "\\", "/")), "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		name = "file"
	}
	if len(name) > 80 {
		name = name[len(name)-80:]
	}
	id := ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0))
	return fmt.Sprintf("media/%04d/%02d/%s-%s", now.Year(), int(now.Month()), strings.ToLower(id.String()), name)
}

// joinURL appends key to base with exactly one slash between them.
func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore is an in-memory ContentStore. Files are served by the node itself
// under publicBase.
type MemoryStore struct {
	mu         sync.RWMutex
	objects    map[string]memoryObject
	publicBase string
}

// NewMemoryStore creates a MemoryStore whose URLs start with publicBase.
func NewMemoryStore(publicBase string) *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), publicBase: publicBase}
}

func (m *MemoryStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) URL(key string) string {
	return joinURL(m.publicBase, key)
}
