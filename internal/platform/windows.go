//go:build windows

package platform

import (
	"path/filepath"
	"strings"
)

// LongPathname adds the extended-length prefix to absolute drive paths so
// deep state directories stay usable.
func LongPathname(path string) string {
	if len(path) < 2 || path[1] != ':' {
		return path
	}
	if !filepath.IsAbs(path) || strings.HasPrefix(path, `\\?\`) {
		return path
	}
	return `\\?\` + filepath.Clean(path)
}
