package vfs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// BlobStore persists stored file content keyed by backing id.
type BlobStore interface {
	BlobGet(ctx context.Context, id string) (data []byte, found bool, err error)
	BlobPut(ctx context.Context, id string, data []byte) error
	BlobDelete(ctx context.Context, id string) error
}

// StoredFile is a file whose bytes live in a BlobStore under a backing id.
// Content is only held in memory for the lifetime of an open stream.
type StoredFile struct {
	header

	id      string
	store   BlobStore
	writing atomic.Bool
}

// NewStoredFile creates an empty file with a fresh backing id.
func NewStoredFile(owner string, store BlobStore) *StoredFile {
	return OpenStoredFile(uuid.NewString(), owner, store)
}

// OpenStoredFile binds an existing backing id, as when loading a snapshot.
func OpenStoredFile(id, owner string, store BlobStore) *StoredFile {
	f := &StoredFile{id: id, store: store}
	f.init(owner, FileMode)
	return f
}

func (f *StoredFile) Kind() Kind { return KindStoredFile }

// ID returns the backing identifier.
func (f *StoredFile) ID() string { return f.id }

// Store returns the blob store holding the content.
func (f *StoredFile) Store() BlobStore { return f.store }

// Locked reports whether a writer is open.
func (f *StoredFile) Locked() bool { return f.writing.Load() }

// ReadAll returns the whole content. A file that was never written is empty.
func (f *StoredFile) ReadAll(ctx context.Context) ([]byte, error) {
	data, _, err := f.store.BlobGet(ctx, f.id)
	return data, err
}

// OpenReader returns a reader over a snapshot of the current content.
func (f *StoredFile) OpenReader(ctx context.Context) (io.ReadCloser, error) {
	data, err := f.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Create opens a writer that replaces the content when closed.
func (f *StoredFile) Create(ctx context.Context) (io.WriteCloser, error) {
	if !f.writing.CompareAndSwap(false, true) {
		return nil, ErrLocked
	}
	return &fileWriter{ctx: ctx, file: f}, nil
}

// Append opens a writer whose output is added after the current content.
func (f *StoredFile) Append(ctx context.Context) (io.WriteCloser, error) {
	if !f.writing.CompareAndSwap(false, true) {
		return nil, ErrLocked
	}
	data, err := f.ReadAll(ctx)
	if err != nil {
		f.writing.Store(false)
		return nil, err
	}
	w := &fileWriter{ctx: ctx, file: f}
	w.buf.Write(data)
	return w, nil
}

// WriteAll replaces the content with data.
func (f *StoredFile) WriteAll(ctx context.Context, data []byte) error {
	w, err := f.Create(ctx)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Size returns the content length in bytes.
func (f *StoredFile) Size(ctx context.Context) (int64, error) {
	data, err := f.ReadAll(ctx)
	return int64(len(data)), err
}

func (f *StoredFile) destroy(ctx context.Context) error {
	return f.store.BlobDelete(ctx, f.id)
}

type fileWriter struct {
	ctx    context.Context
	file   *StoredFile
	buf    bytes.Buffer
	closed bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *fileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.file.writing.Store(false)
	return w.file.store.BlobPut(w.ctx, w.file.id, w.buf.Bytes())
}

// MemStore is an in-memory BlobStore.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (m *MemStore) BlobGet(_ context.Context, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[id]
	return bytes.Clone(data), ok, nil
}

func (m *MemStore) BlobPut(_ context.Context, id string, data []byte) error {
	m.mu.Lock()
	m.blobs[id] = bytes.Clone(data)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) BlobDelete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.blobs, id)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
