//go:build !windows

package main

import (
	"os"
	"slices"
	"syscall"

	"github.com/cockroachdb/errors"
)

// checkReadable fails early when the permission bits deny the current user
// read access to a sites or config file, so a misconfigured deployment is
// reported before any page is fetched.
func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return errors.Newf("%s is a directory", path)
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if os.Geteuid() == 0 {
		return nil
	}

	perms := info.Mode().Perm()
	switch {
	case int(stat.Uid) == os.Geteuid():
		if perms&0o400 == 0 {
			return errors.Newf("cannot read %s: owner read bit not set", path)
		}
	case inGroup(int(stat.Gid)):
		if perms&0o040 == 0 {
			return errors.Newf("cannot read %s: group read bit not set", path)
		}
	default:
		if perms&0o004 == 0 {
			return errors.Newf("cannot read %s: other read bit not set", path)
		}
	}
	return nil
}

func inGroup(gid int) bool {
	if gid == os.Getegid() {
		return true
	}
	groups, err := os.Getgroups()
	if err != nil {
		return false
	}
	return slices.Contains(groups, gid)
}
