//go:build darwin

package sidecar

import (
	"golang.org/x/sys/unix"
)

// conceal sets the UF_HIDDEN flag Finder honours.
func conceal(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}
	return unix.Chflags(path, int(st.Flags)|unix.UF_HIDDEN)
}
