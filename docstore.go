// Package docstore manages per-package documentation archives for a
// package repository server.
//
// Each package version has at most one documentation tarball. The store keeps
// the tarball in content-addressed blob storage, derives a random-access
// index over its entry table, and serves individual files out of the archive
// without extracting it.
//
// Subpackages:
//   - tarindex: builds and queries the entry-table index over a tar archive
//   - blobstore: content-addressed storage for immutable archive bytes
//   - store: the durable PackageID → (blob, index) mapping
//   - server: the HTTP retrieval and upload surface
//   - backup: export/import of the store's full state as blob records
package docstore

import (
	"context"
	"errors"
)

// Sentinel errors shared across the documentation store.
var (
	// ErrNotFound is returned when a package has no documentation, or a
	// requested in-archive path resolves to nothing.
	ErrNotFound = errors.New("docstore: not found")

	// ErrBadArchive is returned when an uploaded body is not a valid
	// uncompressed tar stream, or index construction fails.
	ErrBadArchive = errors.New("docstore: bad archive")

	// ErrUnauthorized is returned when an upload lacks the required
	// package-level permission.
	ErrUnauthorized = errors.New("docstore: not authorized")

	// ErrInvalidPackage is returned when a package identifier does not parse.
	ErrInvalidPackage = errors.New("docstore: invalid package identifier")
)

// Authorizer decides whether an upload for a package is permitted.
//
// Authentication itself is owned by the surrounding server; the store only
// consults the decision before any blob or index work happens.
type Authorizer interface {
	AuthorizeUpload(ctx context.Context, pkg PackageID) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, pkg PackageID) error

// AuthorizeUpload implements Authorizer.
func (f AuthorizerFunc) AuthorizeUpload(ctx context.Context, pkg PackageID) error {
	return f(ctx, pkg)
}

// AllowAll authorizes every upload. Intended for single-tenant deployments
// and tests.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, PackageID) error { return nil })
}

// DenyAll rejects every upload with ErrUnauthorized.
func DenyAll() Authorizer {
	return AuthorizerFunc(func(context.Context, PackageID) error { return ErrUnauthorized })
}

// Interface compliance.
var _ Authorizer = (AuthorizerFunc)(nil)
