package server

import "strings"

// normalizePath converts a request-supplied in-archive path to the form the
// tar index uses for lookups.
//
// It performs the following transformations:
//   - Strips leading slashes: "/sub/page.html" → "sub/page.html"
//   - Strips trailing slashes: "sub/" → "sub"
//   - Collapses consecutive slashes: "sub//page.html" → "sub/page.html"
//   - Converts empty string to the archive root: "" → "."
//
// Path elements "." and ".." are preserved; fs.ValidPath rejects them
// before any lookup happens.
func normalizePath(p string) string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}
