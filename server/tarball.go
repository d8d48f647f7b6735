package server

import (
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/pkgrove/docstore"
	"github.com/pkgrove/docstore/tarindex"
)

// defaultDocuments is the fallback set tried, in order, when a request
// resolves to a directory rather than a file.
var defaultDocuments = []string{"index.html"}

// NotFoundError reports that a requested in-archive path resolved to
// nothing, neither directly nor through a default document. The archive
// root label is carried for display only.
type NotFoundError struct {
	Path string
	Root string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("docstore: no entry %q in %s", e.Path, e.Root)
}

// Unwrap ties the error into the docstore.ErrNotFound taxonomy.
func (e *NotFoundError) Unwrap() error { return docstore.ErrNotFound }

// ServeTarball streams the whole raw archive at archivePath, tagged with
// the tar content type. filename is the download name offered to clients.
func ServeTarball(w http.ResponseWriter, r *http.Request, archivePath, filename string) error {
	f, err := os.Open(archivePath) //nolint:gosec // path comes from the blob store, not user input
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeContent(w, r, filename, time.Time{}, f)
	return nil
}

// ServeTarEntry resolves requested within the archive's index and streams
// the located entry's bytes from archivePath.
//
// Resolution policy:
//  1. A directory (including the implicit root) tries each default
//     document in order and serves the first one found.
//  2. A file entry streams exactly the bytes at its recorded byte range;
//     the archive is never extracted or read in full.
//  3. Anything else fails with a NotFoundError naming the requested path
//     and rootLabel.
//
// defaultDocs may be nil, in which case "index.html" is used.
func ServeTarEntry(w http.ResponseWriter, r *http.Request, idx *tarindex.Index, archivePath, requested string, defaultDocs []string, rootLabel string) error {
	if len(defaultDocs) == 0 {
		defaultDocs = defaultDocuments
	}

	name := normalizePath(requested)
	if name != "." && !fs.ValidPath(name) {
		return &NotFoundError{Path: requested, Root: rootLabel}
	}

	if loc, ok := idx.Lookup(name); ok {
		return serveLocation(w, r, archivePath, name, loc)
	}
	if idx.IsDir(name) {
		for _, doc := range defaultDocs {
			candidate := doc
			if name != "." {
				candidate = path.Join(name, doc)
			}
			if loc, ok := idx.Lookup(candidate); ok {
				return serveLocation(w, r, archivePath, candidate, loc)
			}
		}
	}
	return &NotFoundError{Path: requested, Root: rootLabel}
}

// serveLocation streams one entry's byte range out of the archive.
// http.ServeContent handles range requests, content-type inference from the
// entry name, and aborts cleanly when the client disconnects.
func serveLocation(w http.ResponseWriter, r *http.Request, archivePath, name string, loc tarindex.Location) error {
	f, err := os.Open(archivePath) //nolint:gosec // path comes from the blob store, not user input
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	section := io.NewSectionReader(f, loc.Offset, loc.Size)
	http.ServeContent(w, r, path.Base(name), time.Time{}, section)
	return nil
}
