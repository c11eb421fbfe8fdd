//go:build !windows

// Package platform holds OS-specific path handling for the state directory.
package platform

// LongPathname returns path unchanged outside Windows.
func LongPathname(path string) string {
	return path
}
