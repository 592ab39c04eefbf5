package prefetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxRangeLength bounds ReadRange so the length always fits in an int.
const maxRangeLength = int64(math.MaxInt)

// closer returns a deferrable func that closes c and drops the error, for
// read-only handles whose close result carries no information.
func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// checkRange validates a ReadRange request per the Store contract.
func checkRange(offset, length int64) error {
	if offset < 0 || length < 0 || length > maxRangeLength {
		return ErrInvalidPath
	}
	if offset > math.MaxInt64-length {
		return ErrInvalidPath
	}
	return nil
}

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// fsStore implements Store using the local filesystem.
type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed Store rooted at the given directory.
// The directory must exist.
//
// Consistency: Immediate read-after-write on local filesystems.
// Symlinks inside the root that point outside it are not rejected.
func NewFS(root string) (Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsStore{root: root}, nil
}

func (f *fsStore) Put(_ context.Context, path string, r io.Reader) error {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}

	// O_EXCL closes the race between concurrent writers of the same path.
	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrPathExists
		}
		return err
	}
	defer closer(file)()

	_, err = io.Copy(file, r)
	return err
}

func (f *fsStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	return f.open(path)
}

func (f *fsStore) Exists(_ context.Context, path string) (bool, error) {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	searchPath, err := f.safePathForPrefix(prefix)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.Walk(searchPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func (f *fsStore) Delete(_ context.Context, path string) error {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *fsStore) Stat(_ context.Context, path string) (int64, error) {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (f *fsStore) ReadRange(_ context.Context, path string, offset, length int64) ([]byte, error) {
	if err := checkRange(offset, length); err != nil {
		return nil, err
	}

	file, err := f.open(path)
	if err != nil {
		return nil, err
	}
	defer closer(file)()

	if length == 0 {
		return []byte{}, nil
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if offset >= size {
		return []byte{}, nil
	}
	if length > size-offset {
		length = size - offset
	}

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// OpenRange streams the file from offset to its end.
func (f *fsStore) OpenRange(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, ErrInvalidPath
	}

	file, err := f.open(path)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, err
	}
	return file, nil
}

func (f *fsStore) open(path string) (*os.File, error) {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// safePathForFile resolves path under the root.
// Empty, ".", absolute, and escaping paths are rejected.
func (f *fsStore) safePathForFile(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if path == "" || cleaned == "." || filepath.IsAbs(cleaned) || escapesRoot(cleaned) {
		return "", ErrInvalidPath
	}

	fullPath := filepath.Join(f.root, cleaned)

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	return fullPath, nil
}

// safePathForPrefix resolves a listing prefix. An empty prefix lists the
// whole root.
func (f *fsStore) safePathForPrefix(path string) (string, error) {
	if path == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." {
		return f.root, nil
	}
	if filepath.IsAbs(cleaned) || escapesRoot(cleaned) {
		return "", ErrInvalidPath
	}
	return filepath.Join(f.root, cleaned), nil
}

func escapesRoot(cleaned string) bool {
	return cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator))
}

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memoryStore implements Store using an in-memory map.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory Store.
//
// Consistency: Immediate.
// Memory is safe for concurrent use.
func NewMemory() Store {
	return &memoryStore{
		data: make(map[string][]byte),
	}
}

func (m *memoryStore) Put(_ context.Context, path string, r io.Reader) error {
	key, ok := normalizePathForFile(path)
	if !ok {
		return ErrInvalidPath
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; exists {
		return ErrPathExists
	}
	m.data[key] = data
	return nil
}

func (m *memoryStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	data, err := m.lookup(path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Exists(_ context.Context, path string) (bool, error) {
	_, err := m.lookup(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	normalized, ok := normalizePathForPrefix(prefix)
	if !ok {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var paths []string
	for p := range m.data {
		if strings.HasPrefix(p, normalized) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (m *memoryStore) Delete(_ context.Context, path string) error {
	key, ok := normalizePathForFile(path)
	if !ok {
		return ErrInvalidPath
	}

	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Stat(_ context.Context, path string) (int64, error) {
	data, err := m.lookup(path)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (m *memoryStore) ReadRange(_ context.Context, path string, offset, length int64) ([]byte, error) {
	if err := checkRange(offset, length); err != nil {
		return nil, err
	}
	data, err := m.lookup(path)
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	if offset >= size || length == 0 {
		return []byte{}, nil
	}
	end := size
	if length < size-offset {
		end = offset + length
	}

	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

// OpenRange streams the object from offset to its end.
func (m *memoryStore) OpenRange(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, ErrInvalidPath
	}
	data, err := m.lookup(path)
	if err != nil {
		return nil, err
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

// lookup returns the stored bytes for path. Stored slices are never
// mutated after Put, so callers may read them without holding the lock.
func (m *memoryStore) lookup(path string) ([]byte, error) {
	key, ok := normalizePathForFile(path)
	if !ok {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[key]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	return data, nil
}

func normalizePathForFile(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	cleaned := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(path)), "/")
	if cleaned == "." || cleaned == "" || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

func normalizePathForPrefix(path string) (string, bool) {
	if path == "" {
		return "", true
	}

	cleaned := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(path)), "/")
	if cleaned == "." {
		return "", true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	// "data/" must not match "database/x".
	if cleaned != "" && strings.HasSuffix(path, "/") {
		cleaned += "/"
	}
	return cleaned, true
}

var (
	_ Store       = (*fsStore)(nil)
	_ Store       = (*memoryStore)(nil)
	_ RangeOpener = (*fsStore)(nil)
	_ RangeOpener = (*memoryStore)(nil)
)
