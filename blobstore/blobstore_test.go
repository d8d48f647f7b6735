package blobstore

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New("")
	require.Error(t, err)

	_, err = New(t.TempDir(), WithShardPrefixLen(-1))
	require.Error(t, err)
}

func TestAddAndOpen(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	content := "documentation archive bytes"
	d, size, err := s.Add(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, digest.FromString(content), d)

	f, err := s.Open(d)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	n, err := s.Size(d)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
}

func TestAddIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	d1, _, err := s.Add(strings.NewReader("same bytes"))
	require.NoError(t, err)
	d2, _, err := s.Add(strings.NewReader("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// No leftover temp files after the second add.
	root, err := s.Path(d1)
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Dir(filepath.Dir(filepath.Dir(root))))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "blob-"), "leftover temp file %s", e.Name())
	}
}

func TestPathLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	d, _, err := s.Add(strings.NewReader("sharded"))
	require.NoError(t, err)

	path, err := s.Path(d)
	require.NoError(t, err)
	hex := d.Encoded()
	assert.Equal(t, filepath.Join(dir, "sha256", hex[:2], hex), path)
}

func TestPathUnknownBlob(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Path(digest.FromString("never added"))
	assert.ErrorIs(t, err, ErrUnknownBlob)

	_, err = s.Path(digest.Digest("not-a-digest"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownBlob)
}

func TestNoSharding(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, WithShardPrefixLen(0))
	require.NoError(t, err)

	d, _, err := s.Add(strings.NewReader("flat"))
	require.NoError(t, err)
	path, err := s.Path(d)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sha256", d.Encoded()), path)
}
