// Package store owns the durable mapping from package identity to its
// current documentation archive and derived index.
//
// The mapping lives in a single bbolt bucket keyed by the package's
// canonical textual form. Each record holds the archive's blob digest and
// the CBOR-encoded tar index, written as one atomic value, so a lookup can
// never observe a blob and index from different uploads.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"github.com/pkgrove/docstore"
	"github.com/pkgrove/docstore/tarindex"
)

var bucketDocumentation = []byte("documentation")

// Entry is one package's current documentation association.
type Entry struct {
	// Blob is the content digest of the archive held by the blob store.
	Blob digest.Digest

	// Index is the derived entry table of that archive. It always
	// describes exactly the archive identified by Blob.
	Index *tarindex.Index
}

// record is the durable form of an Entry. The index is carried as opaque
// bytes: it is derived state, and snapshot comparisons are defined over the
// blob digest only.
type record struct {
	Blob  string `cbor:"blob"`
	Index []byte `cbor:"index"`
}

// Store is the durable PackageID → Entry mapping.
//
// All mutations route through Put and ReplaceAll, each a single bbolt
// transaction, so writers serialize and readers never block a writer for
// longer than one transaction.
type Store struct {
	db       *bbolt.DB
	logger   *slog.Logger
	blobPath func(digest.Digest) (string, error)

	// Decoding a tar index from its record is the expensive part of a
	// lookup, so decoded indexes are cached per blob digest and concurrent
	// decodes of the same record are collapsed.
	group   singleflight.Group
	mu      sync.RWMutex
	indexes map[digest.Digest]*tarindex.Index
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for store events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithBlobPaths provides a resolver from blob digest to the archive's
// on-disk path. When set, a record whose index bytes fail to decode is
// rebuilt from the archive and rewritten instead of failing the lookup.
func WithBlobPaths(resolve func(digest.Digest) (string, error)) Option {
	return func(s *Store) {
		s.blobPath = resolve
	}
}

// Open opens or creates the store database at path. The parent directory is
// created if it does not exist.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocumentation)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}

	s := &Store{
		db:      db,
		indexes: make(map[digest.Digest]*tarindex.Index),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database. Durable records survive the close
// and are visible to the next Open.
func (s *Store) Close() error { return s.db.Close() }

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Lookup returns the package's current entry. ok is false when the package
// has no documentation.
func (s *Store) Lookup(pkg docstore.PackageID) (Entry, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDocumentation).Get([]byte(pkg.String()))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: lookup %s: %w", pkg, err)
	}
	if data == nil {
		return Entry{}, false, nil
	}
	entry, err := s.decodeRecord(pkg, data)
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: lookup %s: %w", pkg, err)
	}
	return entry, true, nil
}

// HasDocumentation reports whether the package has a documentation entry.
func (s *Store) HasDocumentation(pkg docstore.PackageID) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketDocumentation).Get([]byte(pkg.String())) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: has documentation %s: %w", pkg, err)
	}
	return found, nil
}

// Put atomically sets the package's association, replacing any prior one.
// The write is durable before Put returns. The prior blob, if any, is left
// in the blob store as an orphan.
func (s *Store) Put(pkg docstore.PackageID, entry Entry) error {
	if entry.Index == nil {
		return errors.New("store: entry has no index")
	}
	if err := entry.Blob.Validate(); err != nil {
		return fmt.Errorf("store: invalid blob digest: %w", err)
	}
	data, err := encodeRecord(entry)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocumentation).Put([]byte(pkg.String()), data)
	})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", pkg, err)
	}

	s.mu.Lock()
	s.indexes[entry.Blob] = entry.Index
	s.mu.Unlock()
	s.log().Debug("documentation stored",
		"package", pkg.String(),
		"blob", entry.Blob.String(),
		"entries", entry.Index.Len(),
		"size", entry.Index.TotalSize(),
	)
	return nil
}

// Snapshot returns the full mapping, for export and for equality
// comparison. Comparisons across snapshots are defined over the blob digest
// only; the index is derived state.
func (s *Store) Snapshot() (map[docstore.PackageID]Entry, error) {
	raw := make(map[docstore.PackageID][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocumentation).ForEach(func(k, v []byte) error {
			pkg, err := docstore.ParsePackageID(string(k))
			if err != nil {
				return fmt.Errorf("corrupt record key %q: %w", k, err)
			}
			data := make([]byte, len(v))
			copy(data, v)
			raw[pkg] = data
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: snapshot: %w", err)
	}

	snap := make(map[docstore.PackageID]Entry, len(raw))
	for pkg, data := range raw {
		entry, err := s.decodeRecord(pkg, data)
		if err != nil {
			return nil, fmt.Errorf("store: snapshot %s: %w", pkg, err)
		}
		snap[pkg] = entry
	}
	return snap, nil
}

// ReplaceAll replaces the entire mapping in one transaction. It is used
// only during restore; the accumulated snapshot becomes the aggregate
// atomically.
func (s *Store) ReplaceAll(entries map[docstore.PackageID]Entry) error {
	encoded := make(map[string][]byte, len(entries))
	for pkg, entry := range entries {
		if entry.Index == nil {
			return fmt.Errorf("store: entry for %s has no index", pkg)
		}
		data, err := encodeRecord(entry)
		if err != nil {
			return err
		}
		encoded[pkg.String()] = data
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketDocumentation); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketDocumentation)
		if err != nil {
			return err
		}
		for key, data := range encoded {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace all: %w", err)
	}

	s.mu.Lock()
	s.indexes = make(map[digest.Digest]*tarindex.Index, len(entries))
	for _, entry := range entries {
		s.indexes[entry.Blob] = entry.Index
	}
	s.mu.Unlock()
	s.log().Info("store replaced", "packages", len(entries))
	return nil
}

// encodeRecord serializes an entry for durable storage.
func encodeRecord(entry Entry) ([]byte, error) {
	idxData, err := entry.Index.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("store: encode index: %w", err)
	}
	data, err := cbor.Marshal(record{Blob: entry.Blob.String(), Index: idxData})
	if err != nil {
		return nil, fmt.Errorf("store: encode record: %w", err)
	}
	return data, nil
}

// decodeRecord deserializes a durable record, reusing a previously decoded
// index for the same blob when one is cached. Concurrent decodes of the
// same blob's index are collapsed into one.
func (s *Store) decodeRecord(pkg docstore.PackageID, data []byte) (Entry, error) {
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return Entry{}, fmt.Errorf("decode record: %w", err)
	}
	d := digest.Digest(rec.Blob)
	if err := d.Validate(); err != nil {
		return Entry{}, fmt.Errorf("decode record: invalid blob digest %q: %w", rec.Blob, err)
	}

	s.mu.RLock()
	idx, ok := s.indexes[d]
	s.mu.RUnlock()
	if ok {
		return Entry{Blob: d, Index: idx}, nil
	}

	v, err, _ := s.group.Do(d.String(), func() (any, error) {
		s.mu.RLock()
		idx, ok := s.indexes[d]
		s.mu.RUnlock()
		if ok {
			return idx, nil
		}
		idx = new(tarindex.Index)
		if decErr := idx.UnmarshalBinary(rec.Index); decErr != nil {
			rebuilt, err := s.rebuildIndex(pkg, d, decErr)
			if err != nil {
				return nil, err
			}
			idx = rebuilt
		}
		s.mu.Lock()
		s.indexes[d] = idx
		s.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("decode record: %w", err)
	}
	return Entry{Blob: d, Index: v.(*tarindex.Index)}, nil
}

// rebuildIndex reconstructs a package's index from its archive bytes after
// the persisted record failed to decode, then rewrites the durable record.
// The archive stays the source of truth; the record is derived state. With
// no blob resolver configured the original decode error is returned.
func (s *Store) rebuildIndex(pkg docstore.PackageID, d digest.Digest, decErr error) (*tarindex.Index, error) {
	if s.blobPath == nil {
		return nil, decErr
	}
	archivePath, err := s.blobPath(d)
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	idx, err := tarindex.NewFromFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	data, err := encodeRecord(Entry{Blob: d, Index: idx})
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocumentation).Put([]byte(pkg.String()), data)
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild index: rewrite record: %w", err)
	}
	s.log().Warn("rebuilt corrupt index record",
		"package", pkg.String(),
		"blob", d.String(),
		"error", decErr,
	)
	return idx, nil
}
