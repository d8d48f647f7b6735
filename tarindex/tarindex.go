// Package tarindex builds and queries a random-access index over a tar
// archive's entry table.
//
// Construction reads header metadata only, so cost is proportional to the
// number of entries, not the archive size. The resulting index maps each
// entry path to its byte range within the archive, letting callers serve a
// single file with one ranged read and no extraction.
package tarindex

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkgrove/docstore"
)

// Location is the byte range of one entry within the archive.
type Location struct {
	// Offset is the position of the entry's first content byte.
	Offset int64 `cbor:"offset"`

	// Size is the entry's content length in bytes.
	Size int64 `cbor:"size"`
}

// Index is the derived entry table of a single tar archive.
//
// When every entry in the archive lives under one shared top-level
// directory, that directory is stripped from all paths and retained as the
// root label, so lookups use archive-relative paths ("index.html" rather
// than "mylib-1.0-docs/index.html"). The label is informational only.
//
// An Index is immutable after construction and safe for concurrent use.
type Index struct {
	entries map[string]Location
	dirs    map[string]struct{}
	root    string
	total   int64
}

// countingReader tracks the number of bytes consumed from the underlying
// reader. After tar.Reader.Next returns, the count is exactly the offset of
// the entry's first content byte.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// New scans the archive and builds its entry table.
//
// Only headers are read; entry contents are skipped. Malformed headers (bad
// magic, checksum mismatch, truncation) fail with an error wrapping
// docstore.ErrBadArchive.
func New(r io.Reader) (*Index, error) {
	cr := &countingReader{r: r}
	tr := tar.NewReader(cr)

	idx := &Index{
		entries: make(map[string]Location),
		dirs:    make(map[string]struct{}),
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", docstore.ErrBadArchive, err)
		}

		name := normalizeName(hdr.Name)
		if name == "" || name == "." {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			idx.entries[name] = Location{Offset: cr.n, Size: hdr.Size}
			idx.total += hdr.Size
			idx.addParents(name)
		case tar.TypeDir:
			idx.dirs[name] = struct{}{}
			idx.addParents(name)
		default:
			// Links, devices and the like have no byte range to serve.
		}
	}

	idx.stripRoot()
	return idx, nil
}

// NewFromFile builds the index from an archive already persisted on disk.
// It produces the identical index as New for the same byte content.
func NewFromFile(name string) (*Index, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return New(bufio.NewReader(f))
}

// Lookup resolves an archive-relative path to its byte range.
func (idx *Index) Lookup(name string) (Location, bool) {
	loc, ok := idx.entries[name]
	return loc, ok
}

// IsDir reports whether name is a directory within the archive. The
// archive root "." is a directory whenever the index is non-empty.
func (idx *Index) IsDir(name string) bool {
	if name == "." {
		return len(idx.entries) > 0 || len(idx.dirs) > 0
	}
	_, ok := idx.dirs[name]
	return ok
}

// Root returns the shared top-level directory that was stripped during
// construction, or "" when the archive has no single root. It is a display
// label and plays no part in lookups.
func (idx *Index) Root() string {
	return idx.root
}

// Len returns the number of file entries in the index.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// TotalSize returns the summed content size of all file entries, for
// accounting purposes.
func (idx *Index) TotalSize() int64 {
	return idx.total
}

// Entries iterates over all file entries in unspecified order.
func (idx *Index) Entries() iter.Seq2[string, Location] {
	return maps.All(idx.entries)
}

// addParents records every ancestor directory of name.
func (idx *Index) addParents(name string) {
	for {
		name = path.Dir(name)
		if name == "." || name == "/" {
			return
		}
		if _, ok := idx.dirs[name]; ok {
			return
		}
		idx.dirs[name] = struct{}{}
	}
}

// stripRoot removes the shared top-level directory from all paths when one
// exists, keeping it as the root label.
func (idx *Index) stripRoot() {
	root := ""
	for name := range idx.entries {
		i := strings.IndexByte(name, '/')
		if i < 0 {
			return
		}
		first := name[:i]
		if root == "" {
			root = first
		} else if first != root {
			return
		}
	}
	if root == "" {
		return
	}
	// Every explicit directory must be the root itself or live under it.
	for name := range idx.dirs {
		if name == root || strings.HasPrefix(name, root+"/") {
			continue
		}
		return
	}

	entries := make(map[string]Location, len(idx.entries))
	for name, loc := range idx.entries {
		entries[strings.TrimPrefix(name, root+"/")] = loc
	}
	dirs := make(map[string]struct{}, len(idx.dirs))
	for name := range idx.dirs {
		if name == root {
			continue
		}
		dirs[strings.TrimPrefix(name, root+"/")] = struct{}{}
	}
	idx.entries = entries
	idx.dirs = dirs
	idx.root = root
}

// normalizeName converts a raw tar header name to the index's path form:
// forward slashes, no leading "./", no trailing slash.
func normalizeName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimSuffix(name, "/")
	name = strings.TrimPrefix(name, "/")
	return name
}

// sortedDirs returns the explicit directory set as a sorted slice, used by
// the binary codec for deterministic output.
func (idx *Index) sortedDirs() []string {
	dirs := make([]string, 0, len(idx.dirs))
	for name := range idx.dirs {
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)
	return dirs
}
