//go:build windows

package main

import (
	"os"

	"github.com/cockroachdb/errors"
)

// checkReadable only confirms the file exists; Windows ACLs do not map onto
// permission bits.
func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return errors.Newf("%s is a directory", path)
	}
	return nil
}
