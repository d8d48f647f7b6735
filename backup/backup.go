// Package backup makes the documentation store's state reproducible from
// exported blobs.
//
// An export is a gzip-compressed tar stream holding one record per package:
// the entry named "<package>/documentation.tar" carries the package's raw
// archive bytes. No index is exported; indexes are derived state and are
// rebuilt during import.
package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"

	"github.com/klauspost/compress/gzip"

	"github.com/pkgrove/docstore"
	"github.com/pkgrove/docstore/blobstore"
	"github.com/pkgrove/docstore/store"
	"github.com/pkgrove/docstore/tarindex"
)

// archiveMarker is the fixed entry name identifying a documentation record
// inside an export stream.
const archiveMarker = "documentation.tar"

// Option configures export and import.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for backup events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) *config {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Export writes every package's documentation record to w.
//
// Records are written in canonical package order so the same store state
// produces the same export layout. The blob bytes are streamed straight
// from the blob store; nothing is buffered in memory.
func Export(ctx context.Context, st *store.Store, blobs blobstore.Store, w io.Writer, opts ...Option) error {
	cfg := newConfig(opts)
	snap, err := st.Snapshot()
	if err != nil {
		return fmt.Errorf("backup: snapshot: %w", err)
	}

	pkgs := make([]docstore.PackageID, 0, len(snap))
	for pkg := range snap {
		pkgs = append(pkgs, pkg)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].String() < pkgs[j].String() })

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, pkg := range pkgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := snap[pkg]
		size, err := blobs.Size(entry.Blob)
		if err != nil {
			return fmt.Errorf("backup: export %s: %w", pkg, err)
		}
		hdr := &tar.Header{
			Name:     pkg.String() + "/" + archiveMarker,
			Mode:     0o644,
			Typeflag: tar.TypeReg,
			Size:     size,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("backup: export %s: %w", pkg, err)
		}
		f, err := blobs.Open(entry.Blob)
		if err != nil {
			return fmt.Errorf("backup: export %s: %w", pkg, err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("backup: export %s: %w", pkg, err)
		}
		cfg.logger.Debug("exported documentation", "package", pkg.String(), "blob", entry.Blob.String(), "bytes", size)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("backup: close archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("backup: close compressor: %w", err)
	}
	cfg.logger.Info("export complete", "packages", len(pkgs))
	return nil
}

// Import folds over the export stream and rebuilds the store snapshot.
//
// For each archive-marker record the blob bytes are re-added to the blob
// store and the tar index is reconstructed from the persisted blob. Records
// whose name is not the archive marker are ignored. Records whose package
// identifier does not parse are skipped silently: they are treated as
// not-a-documentation-record, not as corruption. An index reconstruction
// failure, by contrast, fails the whole import — reconstructing a corrupt
// store is worse than stopping.
//
// The returned snapshot is not committed; callers apply it atomically with
// store.ReplaceAll.
func Import(ctx context.Context, r io.Reader, blobs blobstore.Store, opts ...Option) (map[docstore.PackageID]store.Entry, error) {
	cfg := newConfig(opts)
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("backup: open import stream: %w", err)
	}
	defer gz.Close()

	acc := make(map[docstore.PackageID]store.Entry)
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("backup: read import stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != archiveMarker {
			continue
		}
		pkg, err := docstore.ParsePackageID(path.Dir(hdr.Name))
		if err != nil {
			cfg.logger.Debug("skipping unparsable record", "name", hdr.Name)
			continue
		}

		blob, _, err := blobs.Add(tr)
		if err != nil {
			return nil, fmt.Errorf("backup: import %s: %w", pkg, err)
		}
		archivePath, err := blobs.Path(blob)
		if err != nil {
			return nil, fmt.Errorf("backup: import %s: %w", pkg, err)
		}
		idx, err := tarindex.NewFromFile(archivePath)
		if err != nil {
			return nil, fmt.Errorf("backup: import %s: %w", pkg, err)
		}
		acc[pkg] = store.Entry{Blob: blob, Index: idx}
		cfg.logger.Debug("imported documentation", "package", pkg.String(), "blob", blob.String())
	}
	cfg.logger.Info("import complete", "packages", len(acc))
	return acc, nil
}
