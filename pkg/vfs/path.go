package vfs

import "strings"

// Clean returns the canonical absolute form of p: forward slashes only,
// no empty or "." elements, and ".." resolved without climbing past the
// root. Relative paths are taken as relative to the root.
func Clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")

	var parts []string
	for _, elem := range strings.Split(p, "/") {
		switch elem {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, elem)
		}
	}
	return "/" + strings.Join(parts, "/")
}
