// Package blobstore provides content-addressed storage for immutable byte
// payloads.
//
// Payloads are keyed by their sha256 digest, so one digest never refers to
// two different contents and re-adding existing content is a no-op. Blobs
// are never deleted: entries orphaned by a replaced association stay
// fetchable, which is deliberate since storage is shared across uploads.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// ErrUnknownBlob is returned when a digest has no stored content.
var ErrUnknownBlob = errors.New("blobstore: unknown blob")

// Store is content-addressed storage of immutable byte payloads.
type Store interface {
	// Add persists the reader's bytes and returns their digest and size.
	// Adding content that already exists is a no-op and returns the same
	// digest.
	Add(r io.Reader) (digest.Digest, int64, error)

	// Open opens the blob for reading. The caller must close the file.
	Open(d digest.Digest) (*os.File, error)

	// Path returns the stable on-disk path of the blob, suitable for
	// ranged reads by other components.
	Path(d digest.Digest) (string, error)

	// Size returns the blob's size in bytes.
	Size(d digest.Digest) (int64, error)
}

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Disk implements Store on the local filesystem.
//
// Layout is <root>/<algorithm>/<shard>/<hex>, with the shard taken from the
// leading hex characters of the digest to keep directories small.
type Disk struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
}

// Option configures a disk store.
type Option func(*Disk)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Disk) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Disk) {
		s.dirPerm = mode
	}
}

// New creates a disk-backed store rooted at dir.
func New(dir string, opts ...Option) (*Disk, error) {
	if dir == "" {
		return nil, errors.New("blobstore: dir is empty")
	}
	s := &Disk{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("blobstore: shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

// Add streams the reader into a temp file while hashing, then renames the
// file to its content address. A concurrent Add of the same content wins
// harmlessly: the rename loser discards its temp file.
func (s *Disk) Add(r io.Reader) (digest.Digest, int64, error) {
	if err := os.MkdirAll(s.dir, s.dirPerm); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(s.dir, "blob-*")
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()

	digester := digest.SHA256.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("blobstore: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}

	d := digester.Digest()
	path, err := s.path(d)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(tmpPath)
		return d, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), s.dirPerm); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(tmpPath)
			return d, size, nil
		}
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	return d, size, nil
}

// Open opens the blob for reading.
func (s *Disk) Open(d digest.Digest) (*os.File, error) {
	path, err := s.Path(d)
	if err != nil {
		return nil, err
	}
	return os.Open(path) //nolint:gosec // path is derived from the digest, not user input
}

// Path returns the blob's on-disk path, or ErrUnknownBlob when absent.
func (s *Disk) Path(d digest.Digest) (string, error) {
	path, err := s.path(d)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrUnknownBlob, d)
		}
		return "", err
	}
	return path, nil
}

// Size returns the blob's size in bytes.
func (s *Disk) Size(d digest.Digest) (int64, error) {
	path, err := s.Path(d)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Disk) path(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("blobstore: invalid digest %q: %w", d, err)
	}
	hex := d.Encoded()
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, string(d.Algorithm()), hex), nil
	}
	prefixLen := s.shardPrefixLen
	if prefixLen > len(hex) {
		prefixLen = len(hex)
	}
	return filepath.Join(s.dir, string(d.Algorithm()), hex[:prefixLen], hex), nil
}

// Interface compliance.
var _ Store = (*Disk)(nil)
