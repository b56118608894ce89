// Package progstore persists accepted signed program envelopes in
// BadgerDB so a restarted engine can reload its program table without
// re-provisioning.
//
// Envelopes are stored zstd-compressed under their ProgramID; a gob
// metadata record alongside each envelope carries the operator-facing
// fields (name, attach type, timestamps).
package progstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/pro-utkarshM/axiom-ebpf/internal/types"
)

var (
	ErrClosed   = errors.New("progstore: closed")
	ErrNotFound = errors.New("progstore: program not found")
	ErrExists   = errors.New("progstore: program already stored")
)

// Key prefixes. Prefixes keep envelope payloads and metadata records
// separately iterable.
var (
	prefixEnvelope = []byte{0x01}
	prefixMeta     = []byte{0x02}
)

// Meta is the operator-facing record stored next to each envelope.
type Meta struct {
	Name       string
	ProgType   uint32
	StoredAt   time.Time
	Attachment int
}

// Config configures the store.
type Config struct {
	// Path is the database directory.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk before Put returns.
	SyncWrites bool

	// Logger is an optional badger logger. Nil disables logging.
	Logger badger.Logger
}

// DefaultConfig returns the configuration used when fields are unset.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		Logger:     nil,
	}
}

// Store is a Badger-backed program store.
type Store struct {
	db      *badger.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	closed  atomic.Bool
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("progstore: open badger: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("progstore: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("progstore: %w", err)
	}
	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

func envelopeKey(id types.ProgramID) []byte {
	return append(append([]byte{}, prefixEnvelope...), id[:]...)
}

func metaKey(id types.ProgramID) []byte {
	return append(append([]byte{}, prefixMeta...), id[:]...)
}

// Put stores a raw signed envelope with its metadata. Storing an id
// that already exists fails with ErrExists.
func (s *Store) Put(id types.ProgramID, envelope []byte, meta Meta) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if meta.StoredAt.IsZero() {
		meta.StoredAt = time.Now().UTC()
	}
	var metaBuf bytes.Buffer
	if err := gob.NewEncoder(&metaBuf).Encode(meta); err != nil {
		return fmt.Errorf("progstore: encode meta: %w", err)
	}
	compressed := s.encoder.EncodeAll(envelope, nil)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(envelopeKey(id)); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, id)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(envelopeKey(id), compressed); err != nil {
			return err
		}
		return txn.Set(metaKey(id), metaBuf.Bytes())
	})
}

// Get returns the stored envelope and metadata.
func (s *Store) Get(id types.ProgramID) ([]byte, Meta, error) {
	if s.closed.Load() {
		return nil, Meta{}, ErrClosed
	}
	var envelope []byte
	var meta Meta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(envelopeKey(id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		err = item.Value(func(val []byte) error {
			envelope, err = s.decoder.DecodeAll(val, nil)
			return err
		})
		if err != nil {
			return err
		}

		item, err = txn.Get(metaKey(id))
		if err == badger.ErrKeyNotFound {
			return nil // metadata is best-effort
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&meta)
		})
	})
	if err != nil {
		return nil, Meta{}, err
	}
	return envelope, meta, nil
}

// Delete removes a stored program. Deleting an unknown id fails with
// ErrNotFound.
func (s *Store) Delete(id types.ProgramID) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(envelopeKey(id)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		} else if err != nil {
			return err
		}
		if err := txn.Delete(envelopeKey(id)); err != nil {
			return err
		}
		return txn.Delete(metaKey(id))
	})
}

// Entry pairs a stored id with its metadata.
type Entry struct {
	ID   types.ProgramID
	Meta Meta
}

// List returns all stored programs sorted by id.
func (s *Store) List() ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixMeta
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 1+len(types.ProgramID{}) {
				continue
			}
			var id types.ProgramID
			copy(id[:], key[1:])
			var meta Meta
			err := item.Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&meta)
			})
			if err != nil {
				return err
			}
			entries = append(entries, Entry{ID: id, Meta: meta})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
	})
	return entries, nil
}

// Loader re-admits one stored envelope. ReloadInto feeds every stored
// envelope through it; the engine's LoadProgram satisfies it.
type Loader interface {
	LoadProgram(envelope []byte) (types.ProgramID, error)
}

// ReloadInto replays all stored envelopes into a loader, in id order.
// Envelopes the loader rejects are skipped and reported.
func (s *Store) ReloadInto(l Loader) (loaded int, failed []types.ProgramID, err error) {
	entries, err := s.List()
	if err != nil {
		return 0, nil, err
	}
	for _, e := range entries {
		envelope, _, err := s.Get(e.ID)
		if err != nil {
			failed = append(failed, e.ID)
			continue
		}
		if _, err := l.LoadProgram(envelope); err != nil {
			failed = append(failed, e.ID)
			continue
		}
		loaded++
	}
	return loaded, failed, nil
}

// Close releases the database. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}
