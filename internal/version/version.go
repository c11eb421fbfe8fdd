// Package version carries build metadata injected with -ldflags.
package version

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/saworbit/pagekeeper/internal/version.Version=v1.2.0"
var Version = "dev"
