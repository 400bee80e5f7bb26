package store

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
)

const (
	entryKeyPrefix = "entry:"
	uuidKeyPrefix  = "uuid:"
)

// BadgerEntryStore persists entries as msgpack values keyed by normalized DN,
// with a secondary entryuuid -> DN index.
type BadgerEntryStore struct {
	db *badger.DB
}

// NewBadgerEntryStore opens the store at path; an empty path opens an in-memory store
func NewBadgerEntryStore(path string) (*BadgerEntryStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open entry store: %w", err)
	}
	return &BadgerEntryStore{db: db}, nil
}

func entryKey(dn string) []byte {
	return []byte(entryKeyPrefix + model.NormalizeDN(dn))
}

func uuidKey(id string) []byte {
	return []byte(uuidKeyPrefix + id)
}

func readEntry(txn *badger.Txn, key []byte) (*model.Entry, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var entry model.Entry
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("cannot decode entry %s", key), err)
	}
	return &entry, nil
}

func writeEntry(txn *badger.Txn, entry *model.Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := txn.Set(entryKey(entry.DN), data); err != nil {
		return err
	}
	if id := entry.EntryUUID(); id != "" {
		return txn.Set(uuidKey(id), []byte(model.NormalizeDN(entry.DN)))
	}
	return nil
}

func notFound(err error, dn string) error {
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return errors.EntryNotFound(dn)
	}
	return err
}

func (s *BadgerEntryStore) Get(ctx context.Context, dn string) (*model.Entry, error) {
	var entry *model.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = readEntry(txn, entryKey(dn))
		return err
	})
	if err != nil {
		return nil, notFound(err, dn)
	}
	return entry, nil
}

func (s *BadgerEntryStore) Put(ctx context.Context, entry *model.Entry) error {
	if entry == nil || entry.DN == "" {
		return errors.InvalidArgument("entry without dn", nil)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		old, err := readEntry(txn, entryKey(entry.DN))
		switch {
		case err == nil && old.EntryUUID() != "" && old.EntryUUID() != entry.EntryUUID():
			if err := txn.Delete(uuidKey(old.EntryUUID())); err != nil {
				return err
			}
		case err != nil && !stderrors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return writeEntry(txn, entry)
	})
}

func (s *BadgerEntryStore) Delete(ctx context.Context, dn string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, entryKey(dn))
		if err != nil {
			return err
		}
		if id := entry.EntryUUID(); id != "" {
			if err := txn.Delete(uuidKey(id)); err != nil {
				return err
			}
		}
		return txn.Delete(entryKey(dn))
	})
	return notFound(err, dn)
}

func (s *BadgerEntryStore) Rename(ctx context.Context, oldDN, newDN string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, entryKey(oldDN))
		if err != nil {
			return err
		}
		if model.NormalizeDN(oldDN) != model.NormalizeDN(newDN) {
			if _, err := txn.Get(entryKey(newDN)); err == nil {
				return errors.EntryExists(newDN)
			} else if !stderrors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(entryKey(oldDN)); err != nil {
				return err
			}
		}
		entry.DN = newDN
		return writeEntry(txn, entry)
	})
	return notFound(err, oldDN)
}

func (s *BadgerEntryStore) FindByUUID(ctx context.Context, entryUUID string) (*model.Entry, error) {
	var entry *model.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(uuidKey(entryUUID))
		if err != nil {
			return err
		}
		dn, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry, err = readEntry(txn, []byte(entryKeyPrefix+string(dn)))
		return err
	})
	if err != nil {
		return nil, notFound(err, entryUUID)
	}
	return entry, nil
}

// List returns every entry, parents before children
func (s *BadgerEntryStore) List(ctx context.Context) ([]*model.Entry, error) {
	var out []*model.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry, err := readEntry(txn, it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByDepth(out)
	return out, nil
}

func (s *BadgerEntryStore) Close() error {
	return s.db.Close()
}
