package docstore

import (
	"fmt"
	"strings"
)

// PackageID identifies one exact package version. It is the store's key and
// is immutable once created.
//
// The canonical textual form is "name-version", the same form used in URLs
// and in backup entry names. Package names may themselves contain hyphens;
// the version is the suffix after the last hyphen and must begin with a
// digit, so "my-lib-1.0" parses as name "my-lib", version "1.0".
type PackageID struct {
	Name    string
	Version string
}

// ParsePackageID parses the canonical "name-version" form.
//
// It returns ErrInvalidPackage when the input has no version suffix, the
// version does not begin with a digit, or either component is empty.
func ParsePackageID(s string) (PackageID, error) {
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return PackageID{}, fmt.Errorf("%w: %q", ErrInvalidPackage, s)
	}
	name, version := s[:i], s[i+1:]
	if !validVersion(version) {
		return PackageID{}, fmt.Errorf("%w: %q: version must begin with a digit", ErrInvalidPackage, s)
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsAny(version, "/\\") {
		return PackageID{}, fmt.Errorf("%w: %q", ErrInvalidPackage, s)
	}
	return PackageID{Name: name, Version: version}, nil
}

// String renders the canonical "name-version" form.
func (p PackageID) String() string {
	return p.Name + "-" + p.Version
}

// IsZero reports whether the identifier is the zero value.
func (p PackageID) IsZero() bool {
	return p.Name == "" && p.Version == ""
}

// validVersion reports whether s is a plausible version string: non-empty,
// beginning with a digit, built from alphanumerics and dots.
func validVersion(s string) bool {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '.':
		default:
			return false
		}
	}
	return true
}
