package maps

import (
	"bytes"
	"encoding/gob"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var pinBucket = []byte("pins")

// pinRecord is the durable form of a pinned map. Array and hash
// contents survive a pin/restore cycle; stream kinds (ringbuf,
// timeseries, staticpool) restore empty.
type pinRecord struct {
	Spec    Spec
	Data    []byte            // array contents
	Entries map[string][]byte // hash contents
}

// PinStore persists map specs and contents across engine restarts.
type PinStore struct {
	db *bolt.DB
}

// OpenPinStore opens or creates the pin database at path.
func OpenPinStore(path string) (*PinStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("maps: open pin store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pinBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("maps: init pin store: %w", err)
	}
	return &PinStore{db: db}, nil
}

// Close releases the underlying database.
func (s *PinStore) Close() error { return s.db.Close() }

// Pin persists m under name, overwriting any previous pin.
func (s *PinStore) Pin(name string, m Map) error {
	rec := pinRecord{Spec: m.Spec()}
	switch mm := m.(type) {
	case *Array:
		mm.mu.RLock()
		rec.Data = append([]byte(nil), mm.data...)
		mm.mu.RUnlock()
	case *Hash:
		rec.Entries = make(map[string][]byte)
		mm.Iterate(func(k, v []byte) bool {
			rec.Entries[string(k)] = v
			return true
		})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("maps: encode pin %q: %w", name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pinBucket).Put([]byte(name), buf.Bytes())
	})
}

// Restore rebuilds the pinned map stored under name.
func (s *PinStore) Restore(name string) (Map, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pinBucket).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: pin %q", ErrKeyNotFound, name)
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var rec pinRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("maps: decode pin %q: %w", name, err)
	}
	m, err := New(rec.Spec)
	if err != nil {
		return nil, err
	}
	switch mm := m.(type) {
	case *Array:
		copy(mm.data, rec.Data)
	case *Hash:
		for k, v := range rec.Entries {
			if err := mm.Update([]byte(k), v, UpdateAny); err != nil {
				return nil, fmt.Errorf("maps: restore pin %q: %w", name, err)
			}
		}
	}
	return m, nil
}

// Unpin removes the pin stored under name.
func (s *PinStore) Unpin(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pinBucket).Delete([]byte(name))
	})
}

// List returns all pin names in key order.
func (s *PinStore) List() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pinBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}
