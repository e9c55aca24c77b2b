package keypath

import (
	"sync"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

// ItemType names the kind of item stored at a key path. One path may hold
// several items of different types.
type ItemType string

// Store is the keystore boundary: a collection of opaque items addressed
// by (key path, item type). Implementations report "missing" through the
// bool or nil return, never through the error; the error return is for
// genuine failures (I/O, corruption).
type Store interface {
	// Contains reports whether an item of the given type exists at path.
	Contains(path *Path, typ ItemType) (bool, error)
	// Get returns the item at (path, typ), or nil with no error when the
	// item is missing.
	Get(path *Path, typ ItemType) ([]byte, error)
	// Insert stores item at (path, typ), replacing any existing item.
	Insert(path *Path, typ ItemType, item []byte) error
	// Remove deletes the item at (path, typ). It reports whether an item
	// was present.
	Remove(path *Path, typ ItemType) (bool, error)
	// List enumerates every (path, type) pair the store holds.
	List() ([]StoreEntry, error)
}

// StoreEntry is one (path, type) pair returned by Store.List.
type StoreEntry struct {
	Path *Path
	Type ItemType
}

type storeKey struct {
	path string
	typ  ItemType
}

// MemoryStore is an in-process Store, used in tests and wherever keys
// need no persistence.
type MemoryStore struct {
	mu    sync.Mutex
	items map[storeKey][]byte
	paths map[storeKey]*Path
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[storeKey][]byte),
		paths: make(map[storeKey]*Path),
	}
}

func (s *MemoryStore) key(path *Path, typ ItemType) (storeKey, error) {
	if path == nil {
		return storeKey{}, torerrors.ConfigurationError("nil key path", nil)
	}
	return storeKey{path: path.String(), typ: typ}, nil
}

func (s *MemoryStore) Contains(path *Path, typ ItemType) (bool, error) {
	k, err := s.key(path, typ)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[k]
	return ok, nil
}

func (s *MemoryStore) Get(path *Path, typ ItemType) ([]byte, error) {
	k, err := s.key(path, typ)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[k]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(item))
	copy(cp, item)
	return cp, nil
}

func (s *MemoryStore) Insert(path *Path, typ ItemType, item []byte) error {
	k, err := s.key(path, typ)
	if err != nil {
		return err
	}
	cp := make([]byte, len(item))
	copy(cp, item)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[k] = cp
	s.paths[k] = path
	return nil
}

func (s *MemoryStore) Remove(path *Path, typ ItemType) (bool, error) {
	k, err := s.key(path, typ)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[k]
	delete(s.items, k)
	delete(s.paths, k)
	return ok, nil
}

func (s *MemoryStore) List() ([]StoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoreEntry, 0, len(s.items))
	for k := range s.items {
		out = append(out, StoreEntry{Path: s.paths[k], Type: k.typ})
	}
	return out, nil
}
