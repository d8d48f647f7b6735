// Package server exposes the documentation store over HTTP: path-based
// retrieval of files inside a package's archive, whole-archive download,
// and archive upload.
package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/im7mortal/kmutex"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pkgrove/docstore"
	"github.com/pkgrove/docstore/blobstore"
	"github.com/pkgrove/docstore/store"
	"github.com/pkgrove/docstore/tarindex"
)

// Handler serves the documentation resources:
//
//	GET /packages/{package}/docs/{path}  one file out of the archive
//	GET /packages/{package}/docs.tar     the raw archive
//	PUT /packages/{package}/docs.tar     upload a new archive
type Handler struct {
	store       *store.Store
	blobs       blobstore.Store
	auth        docstore.Authorizer
	defaultDocs []string
	uploads     *kmutex.Kmutex
	router      *mux.Router
	logger      *slog.Logger
	metrics     *metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuthorizer sets the upload authorizer. Defaults to DenyAll.
func WithAuthorizer(auth docstore.Authorizer) Option {
	return func(h *Handler) {
		h.auth = auth
	}
}

// WithDefaultDocuments sets the fallback documents tried when a request
// resolves to a directory. Defaults to "index.html".
func WithDefaultDocuments(docs ...string) Option {
	return func(h *Handler) {
		h.defaultDocs = docs
	}
}

// WithLogger sets the logger used for request events.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics registers request counters with the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(h *Handler) {
		h.metrics = newMetrics(reg)
	}
}

// New creates a Handler over the given store and blob store.
func New(st *store.Store, blobs blobstore.Store, opts ...Option) *Handler {
	h := &Handler{
		store:   st,
		blobs:   blobs,
		auth:    docstore.DenyAll(),
		uploads: kmutex.New(),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.HandleFunc("/packages/{package}/docs.tar", h.instrument("archive_get", h.handleArchiveGet)).Methods(http.MethodGet)
	r.HandleFunc("/packages/{package}/docs.tar", h.instrument("archive_put", h.handleArchivePut)).Methods(http.MethodPut)
	r.HandleFunc("/packages/{package}/docs", h.instrument("content", h.handleContent)).Methods(http.MethodGet)
	r.HandleFunc("/packages/{package}/docs/", h.instrument("content", h.handleContent)).Methods(http.MethodGet)
	r.HandleFunc("/packages/{package}/docs/{path:.*}", h.instrument("content", h.handleContent)).Methods(http.MethodGet)
	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// log returns the logger, falling back to a discard logger if nil.
func (h *Handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.logger
}

// instrument wraps a handler with response-code counting.
func (h *Handler) instrument(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		fn(rec, r)
		code := rec.code
		if code == 0 {
			code = http.StatusOK
		}
		h.metrics.observe(name, code)
	}
}

// handleContent resolves an in-archive path and streams the located file.
func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) {
	pkg, entry, err := h.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	archivePath, err := h.blobs.Path(entry.Blob)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rootLabel := entry.Index.Root()
	if rootLabel == "" {
		rootLabel = pkg.String()
	}
	requested := mux.Vars(r)["path"]
	if err := ServeTarEntry(w, r, entry.Index, archivePath, requested, h.defaultDocs, rootLabel); err != nil {
		h.writeError(w, r, fmt.Errorf("package %s: %w", pkg, err))
	}
}

// handleArchiveGet streams the raw archive.
func (h *Handler) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	pkg, entry, err := h.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	archivePath, err := h.blobs.Path(entry.Blob)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := ServeTarball(w, r, archivePath, pkg.String()+"-docs.tar"); err != nil {
		h.writeError(w, r, err)
	}
}

// handleArchivePut receives a new documentation archive.
//
// Order matters: the blob is durably persisted before the association is
// updated, so a crash between the steps never leaves the store pointing at
// a missing blob. If index construction fails after the blob is persisted,
// the association is left untouched and the new blob is orphaned.
func (h *Handler) handleArchivePut(w http.ResponseWriter, r *http.Request) {
	pkg, err := docstore.ParsePackageID(mux.Vars(r)["package"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.auth.AuthorizeUpload(r.Context(), pkg); err != nil {
		h.writeError(w, r, err)
		return
	}

	// Uploads for the same package serialize; different packages proceed
	// in parallel.
	key := pkg.String()
	h.uploads.Lock(key)
	defer h.uploads.Unlock(key)

	body := bufio.NewReader(r.Body)
	if err := checkUncompressedTar(body); err != nil {
		h.writeError(w, r, err)
		return
	}

	blob, size, err := h.blobs.Add(body)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("persist archive: %w", err))
		return
	}
	archivePath, err := h.blobs.Path(blob)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	idx, err := tarindex.NewFromFile(archivePath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.Put(pkg, store.Entry{Blob: blob, Index: idx}); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log().Info("documentation uploaded",
		"package", pkg.String(),
		"blob", blob.String(),
		"bytes", size,
		"entries", idx.Len(),
	)
	w.WriteHeader(http.StatusNoContent)
}

// resolve parses the package variable and looks up its store entry.
func (h *Handler) resolve(r *http.Request) (docstore.PackageID, store.Entry, error) {
	pkg, err := docstore.ParsePackageID(mux.Vars(r)["package"])
	if err != nil {
		return docstore.PackageID{}, store.Entry{}, err
	}
	entry, ok, err := h.store.Lookup(pkg)
	if err != nil {
		return pkg, store.Entry{}, err
	}
	if !ok {
		return pkg, store.Entry{}, fmt.Errorf("%w: package %s has no documentation", docstore.ErrNotFound, pkg)
	}
	return pkg, entry, nil
}

// writeError maps the error taxonomy onto response codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, docstore.ErrBadArchive), errors.Is(err, docstore.ErrInvalidPackage):
		code = http.StatusBadRequest
	case errors.Is(err, docstore.ErrUnauthorized):
		code = http.StatusForbidden
	default:
		code = http.StatusInternalServerError
	}
	if code == http.StatusInternalServerError {
		h.log().Error("request failed", "method", r.Method, "url", r.URL.Path, "error", err)
	} else {
		h.log().Debug("request rejected", "method", r.Method, "url", r.URL.Path, "code", code, "error", err)
	}
	http.Error(w, err.Error(), code)
}

// Compression magic for formats commonly mistaken for plain tar.
var compressionMagics = [][]byte{
	{0x1f, 0x8b},                     // gzip
	{0x28, 0xb5, 0x2f, 0xfd},         // zstd
	{'B', 'Z', 'h'},                  // bzip2
	{0xfd, '7', 'z', 'X', 'Z', 0x00}, // xz
	{'P', 'K', 0x03, 0x04},           // zip
	{0x1f, 0x9d},                     // compress
}

// checkUncompressedTar rejects bodies that cannot be a plain tar stream:
// anything shorter than one 512-byte header block, and compressed streams
// identified by their magic bytes. Full tar validation happens during index
// construction; this check only keeps obviously wrong payloads out of the
// blob store.
func checkUncompressedTar(r *bufio.Reader) error {
	head, err := r.Peek(512)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read upload: %w", err)
	}
	if len(head) < 512 {
		return fmt.Errorf("%w: body shorter than one tar header block, expected an uncompressed tar", docstore.ErrBadArchive)
	}
	for _, magic := range compressionMagics {
		if bytes.HasPrefix(head, magic) {
			return fmt.Errorf("%w: body is a compressed stream, expected an uncompressed tar", docstore.ErrBadArchive)
		}
	}
	return nil
}

// Interface compliance.
var _ http.Handler = (*Handler)(nil)
