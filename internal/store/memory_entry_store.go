package store

import (
	"context"
	"sort"
	"sync"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

// MemoryEntryStore keeps entries in a map
type MemoryEntryStore struct {
	mu      sync.RWMutex
	entries map[string]*model.Entry
	byUUID  map[string]string
}

// NewMemoryEntryStore creates an empty store
func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{
		entries: make(map[string]*model.Entry),
		byUUID:  make(map[string]string),
	}
}

func (s *MemoryEntryStore) Get(ctx context.Context, dn string) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[model.NormalizeDN(dn)]
	if !ok {
		return nil, errors.EntryNotFound(dn)
	}
	return entry.Clone(), nil
}

func (s *MemoryEntryStore) Put(ctx context.Context, entry *model.Entry) error {
	if entry == nil || entry.DN == "" {
		return errors.InvalidArgument("entry without dn", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.NormalizeDN(entry.DN)
	if old, ok := s.entries[key]; ok && old.EntryUUID() != "" {
		delete(s.byUUID, old.EntryUUID())
	}
	s.entries[key] = entry.Clone()
	if id := entry.EntryUUID(); id != "" {
		s.byUUID[id] = key
	}
	return nil
}

func (s *MemoryEntryStore) Delete(ctx context.Context, dn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.NormalizeDN(dn)
	entry, ok := s.entries[key]
	if !ok {
		return errors.EntryNotFound(dn)
	}
	delete(s.entries, key)
	delete(s.byUUID, entry.EntryUUID())
	return nil
}

func (s *MemoryEntryStore) Rename(ctx context.Context, oldDN, newDN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldKey, newKey := model.NormalizeDN(oldDN), model.NormalizeDN(newDN)
	entry, ok := s.entries[oldKey]
	if !ok {
		return errors.EntryNotFound(oldDN)
	}
	if oldKey == newKey {
		entry.DN = newDN
		return nil
	}
	if _, exists := s.entries[newKey]; exists {
		return errors.EntryExists(newDN)
	}

	delete(s.entries, oldKey)
	entry.DN = newDN
	s.entries[newKey] = entry
	if id := entry.EntryUUID(); id != "" {
		s.byUUID[id] = newKey
	}
	return nil
}

func (s *MemoryEntryStore) FindByUUID(ctx context.Context, entryUUID string) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byUUID[entryUUID]
	if !ok {
		return nil, errors.EntryNotFound(entryUUID).WithDetail("entryuuid", entryUUID)
	}
	return s.entries[key].Clone(), nil
}

// List returns every entry, parents before children
func (s *MemoryEntryStore) List(ctx context.Context) ([]*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Clone())
	}
	sortByDepth(out)
	return out, nil
}

func (s *MemoryEntryStore) Close() error {
	return nil
}

func depth(dn string) int {
	n := 0
	for ; dn != ""; dn = model.ParentDN(dn) {
		n++
	}
	return n
}

func sortByDepth(entries []*model.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := depth(entries[i].DN), depth(entries[j].DN)
		if di != dj {
			return di < dj
		}
		return model.NormalizeDN(entries[i].DN) < model.NormalizeDN(entries[j].DN)
	})
}
