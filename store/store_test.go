package store

import (
	"archive/tar"
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/pkgrove/docstore"
	"github.com/pkgrove/docstore/blobstore"
	"github.com/pkgrove/docstore/tarindex"
)

// docsTar builds a small archive for pkg with a single index page.
func docsTar(t *testing.T, pkg docstore.PackageID, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	name := pkg.String() + "-docs/index.html"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name, Mode: 0o644, Typeflag: tar.TypeReg, Size: int64(len(body)),
	}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// docsEntry builds a small archive for pkg and returns its store entry.
func docsEntry(t *testing.T, pkg docstore.PackageID, body string) Entry {
	t.Helper()
	archive := docsTar(t, pkg, body)
	idx, err := tarindex.New(bytes.NewReader(archive))
	require.NoError(t, err)
	return Entry{Blob: digest.FromBytes(archive), Index: idx}
}

// corruptIndexBytes overwrites pkg's durable record with one whose index
// bytes do not decode, keeping the blob reference intact.
func corruptIndexBytes(t *testing.T, s *Store, pkg docstore.PackageID, blob digest.Digest) {
	t.Helper()
	data, err := cbor.Marshal(record{Blob: blob.String(), Index: []byte("garbage")})
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocumentation).Put([]byte(pkg.String()), data)
	}))
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(filepath.Join(dir, "docstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLookupMissing(t *testing.T) {
	s := openStore(t, t.TempDir())
	pkg := docstore.PackageID{Name: "mylib", Version: "1.0"}

	_, ok, err := s.Lookup(pkg)
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := s.HasDocumentation(pkg)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPutAndLookup(t *testing.T) {
	s := openStore(t, t.TempDir())
	pkg := docstore.PackageID{Name: "mylib", Version: "1.0"}
	entry := docsEntry(t, pkg, "<html>docs</html>")

	require.NoError(t, s.Put(pkg, entry))

	got, ok, err := s.Lookup(pkg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Blob, got.Blob)
	loc, found := got.Index.Lookup("index.html")
	assert.True(t, found)
	assert.Equal(t, int64(len("<html>docs</html>")), loc.Size)

	has, err := s.HasDocumentation(pkg)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPutReplaces(t *testing.T) {
	s := openStore(t, t.TempDir())
	pkg := docstore.PackageID{Name: "mylib", Version: "1.0"}
	first := docsEntry(t, pkg, "first upload")
	second := docsEntry(t, pkg, "second upload, different bytes")

	require.NoError(t, s.Put(pkg, first))
	require.NoError(t, s.Put(pkg, second))

	got, ok, err := s.Lookup(pkg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Blob, got.Blob)
	assert.NotEqual(t, first.Blob, got.Blob)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestPutValidation(t *testing.T) {
	s := openStore(t, t.TempDir())
	pkg := docstore.PackageID{Name: "mylib", Version: "1.0"}

	err := s.Put(pkg, Entry{Blob: digest.FromString("x")})
	require.Error(t, err)

	entry := docsEntry(t, pkg, "body")
	entry.Blob = digest.Digest("bogus")
	require.Error(t, s.Put(pkg, entry))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	pkg := docstore.PackageID{Name: "parser", Version: "0.12.3"}
	entry := docsEntry(t, pkg, "durable bytes")

	s, err := Open(filepath.Join(dir, "docstore.db"))
	require.NoError(t, err)
	require.NoError(t, s.Put(pkg, entry))
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	got, ok, err := s2.Lookup(pkg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Blob, got.Blob)

	// The index was decoded from the durable record, not carried over in
	// memory, and still resolves identically.
	loc, found := got.Index.Lookup("index.html")
	assert.True(t, found)
	assert.Equal(t, int64(len("durable bytes")), loc.Size)
	assert.Equal(t, pkg.String()+"-docs", got.Index.Root())
}

func TestSnapshotAndReplaceAll(t *testing.T) {
	s := openStore(t, t.TempDir())
	pkgA := docstore.PackageID{Name: "alpha", Version: "1.0"}
	pkgB := docstore.PackageID{Name: "beta", Version: "2.1"}
	require.NoError(t, s.Put(pkgA, docsEntry(t, pkgA, "alpha docs")))
	require.NoError(t, s.Put(pkgB, docsEntry(t, pkgB, "beta docs")))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 2)

	// Restore the snapshot into a fresh store: equal under blob-only
	// comparison.
	s2 := openStore(t, t.TempDir())
	require.NoError(t, s2.ReplaceAll(snap))
	restored, err := s2.Snapshot()
	require.NoError(t, err)
	require.Len(t, restored, 2)
	for pkg, entry := range snap {
		assert.Equal(t, entry.Blob, restored[pkg].Blob)
	}

	// ReplaceAll discards prior content entirely.
	require.NoError(t, s2.ReplaceAll(map[docstore.PackageID]Entry{}))
	empty, err := s2.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLookupRebuildsCorruptIndexRecord(t *testing.T) {
	dir := t.TempDir()
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	pkg := docstore.PackageID{Name: "mylib", Version: "1.0"}

	archive := docsTar(t, pkg, "rebuilt body")
	blob, _, err := blobs.Add(bytes.NewReader(archive))
	require.NoError(t, err)
	archivePath, err := blobs.Path(blob)
	require.NoError(t, err)
	idx, err := tarindex.NewFromFile(archivePath)
	require.NoError(t, err)

	s, err := Open(filepath.Join(dir, "docstore.db"), WithBlobPaths(blobs.Path))
	require.NoError(t, err)
	require.NoError(t, s.Put(pkg, Entry{Blob: blob, Index: idx}))
	corruptIndexBytes(t, s, pkg, blob)
	require.NoError(t, s.Close())

	// The lookup falls back to the archive bytes and resolves as the
	// original index did.
	s2, err := Open(filepath.Join(dir, "docstore.db"), WithBlobPaths(blobs.Path))
	require.NoError(t, err)
	got, ok, err := s2.Lookup(pkg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blob, got.Blob)
	loc, found := got.Index.Lookup("index.html")
	require.True(t, found)
	assert.Equal(t, int64(len("rebuilt body")), loc.Size)
	require.NoError(t, s2.Close())

	// The record was rewritten: a later open without any resolver decodes
	// it cleanly.
	s3 := openStore(t, dir)
	got3, ok, err := s3.Lookup(pkg)
	require.NoError(t, err)
	require.True(t, ok)
	_, found = got3.Index.Lookup("index.html")
	assert.True(t, found)
}

func TestLookupCorruptIndexRecordWithoutResolver(t *testing.T) {
	dir := t.TempDir()
	pkg := docstore.PackageID{Name: "mylib", Version: "1.0"}
	entry := docsEntry(t, pkg, "body")

	s, err := Open(filepath.Join(dir, "docstore.db"))
	require.NoError(t, err)
	require.NoError(t, s.Put(pkg, entry))
	corruptIndexBytes(t, s, pkg, entry.Blob)
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	_, _, err = s2.Lookup(pkg)
	require.Error(t, err)
}

func TestConcurrentLookups(t *testing.T) {
	dir := t.TempDir()
	pkg := docstore.PackageID{Name: "mylib", Version: "1.0"}
	entry := docsEntry(t, pkg, "shared decode")

	s, err := Open(filepath.Join(dir, "docstore.db"))
	require.NoError(t, err)
	require.NoError(t, s.Put(pkg, entry))
	require.NoError(t, s.Close())

	// Reopen so every lookup starts from the durable record.
	s2 := openStore(t, dir)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := s2.Lookup(pkg)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, entry.Blob, got.Blob)
		}()
	}
	wg.Wait()
}
